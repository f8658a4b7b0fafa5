package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pending ref update metrics
var (
	// PendingRefUpdates - rows in pendingrefupdates by state, reconciled from the DB
	PendingRefUpdates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "critic_pending_ref_updates",
		Help: "Number of pending ref updates by state",
	}, []string{"state"})

	// AbandonedRefUpdates - rows whose post-receive client stopped waiting
	AbandonedRefUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "critic_abandoned_ref_updates",
		Help: "Number of pending ref updates abandoned by their post-receive handler",
	})

	// CompensatedRefsTotal - failed ref updates rewound
	CompensatedRefsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_compensated_refs_total",
		Help: "Total number of failed ref updates rewound",
	}, []string{"by"})
)

// Githook metrics
var (
	// HookRequestsTotal - hook requests by hook and outcome
	HookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_hook_requests_total",
		Help: "Total number of githook requests",
	}, []string{"hook", "outcome"})

	// RejectedRefsTotal - refs rejected by pre-receive by validation class
	RejectedRefsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_rejected_refs_total",
		Help: "Total number of refs rejected by pre-receive validation",
	}, []string{"class"})

	// PostReceiveDuration - time a post-receive client waited
	PostReceiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "critic_post_receive_duration_seconds",
		Help:    "Duration of post-receive waiting in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Background service metrics
var (
	// BranchUpdatesTotal - branch updater outcomes by operation
	BranchUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_branch_updates_total",
		Help: "Total number of ref updates processed by the branch updater",
	}, []string{"operation", "outcome"})

	// IngestedCommitsTotal - commits inserted by commit ingestion
	IngestedCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "critic_ingested_commits_total",
		Help: "Total number of commits inserted into the database",
	})

	// ReviewUpdatesTotal - review updater outcomes
	ReviewUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_review_updates_total",
		Help: "Total number of review updates recorded",
	}, []string{"kind", "outcome"})

	// ReplaysTotal - replays by kind and outcome
	ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_replays_total",
		Help: "Total number of replay commits produced",
	}, []string{"kind", "outcome"})

	// ReplayDuration - time to produce a replay
	ReplayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "critic_replay_duration_seconds",
		Help:    "Duration of replay in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// WakesTotal - wake signals sent per service
	WakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_wakes_total",
		Help: "Total number of wake signals sent",
	}, []string{"service"})

	// ServicePassDuration - duration of one background service pass
	ServicePassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "critic_service_pass_duration_seconds",
		Help:    "Duration of one background service pass in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

// HTTP Metrics
var (
	// HTTPRequestsTotal - total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration - request handling time
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP request in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Database Metrics
var (
	// DBTransactionDuration - transaction duration
	DBTransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "db_transaction_duration_seconds",
		Help:    "Duration of database transaction in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DBTransactionTotal - transactions by outcome
	DBTransactionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_transaction_total",
		Help: "Total number of database transactions",
	}, []string{"status"})

	// DBConnectionPoolActive - connections in use
	DBConnectionPoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_connection_pool_active",
		Help: "Number of active database connections",
	})

	// DBConnectionPoolIdle - idle connections
	DBConnectionPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_connection_pool_idle",
		Help: "Number of idle database connections",
	})

	// DBConnectionPoolWaits - callers that had to wait for a free connection
	DBConnectionPoolWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_connection_pool_waits_total",
		Help: "Number of times a caller waited for a free database connection",
	})
)

// Error Metrics
var (
	// ErrorsTotal - errors by type and layer
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Total number of errors",
	}, []string{"error_type", "layer"})

	// DomainErrorsTotal - domain errors returned by the ops API
	DomainErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domain_errors_total",
		Help: "Total number of domain errors",
	}, []string{"error_code"})
)
