package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"critic/internal/api/middleware"
	"critic/internal/domain"
)

const (
	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"

	WakePathRoute = "/wake"
	WakeRoute     = "/:service"

	PendingRefUpdatePathRoute = "/pendingrefupdates"
	PendingRefUpdateRoute     = "/:id"

	StatsPathRoute             = "/stats"
	PendingRefUpdateStatsRoute = "/pendingrefupdates"
)

type Handler struct {
	service    domain.OpsService
	adminToken string
}

func NewHandler(service domain.OpsService, adminToken string) *Handler {
	return &Handler{service: service, adminToken: adminToken}
}

func (h *Handler) InitRoutes() *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.LoggerMiddleware(),
		middleware.RecoveryMiddleware(),
		middleware.AuthMiddleware(h.adminToken),
	)

	r.GET(HealthRoute, h.Health)
	r.GET(MetricsRoute, gin.WrapH(promhttp.Handler()))

	wakeGroup := r.Group(WakePathRoute)
	{
		wakeGroup.POST(WakeRoute, middleware.RequireAdmin(), h.Wake)
	}

	pendingGroup := r.Group(PendingRefUpdatePathRoute)
	{
		pendingGroup.GET(PendingRefUpdateRoute, h.GetPendingRefUpdate)
	}

	statsGroup := r.Group(StatsPathRoute)
	{
		statsGroup.GET(PendingRefUpdateStatsRoute, h.GetPendingRefUpdateStats)
	}

	return r
}
