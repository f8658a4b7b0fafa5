package gorm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/metrics"
	"critic/internal/storage"
)

// txManager implements storage.TxManager on top of GORM
type txManager struct {
	db *gorm.DB
}

// NewTxManager connects to the database and starts the metrics goroutines. They stop when ctx is done.
func NewTxManager(ctx context.Context, envConf *config.Config) (storage.TxManager, error) {
	db, err := ConnectDB(ctx, envConf)
	if err != nil {
		return nil, err
	}

	// connection pool monitoring
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	go metrics.CollectDBStats(ctx, sqlDB, 5*time.Second)

	tm := &txManager{db: db}
	go tm.reconcilePendingGauge(ctx, 5*time.Second)

	return tm, nil
}

// NewTxManagerWithDB wraps an already opened database, without background goroutines.
func NewTxManagerWithDB(db *gorm.DB) storage.TxManager {
	return &txManager{db: db}
}

// reconcilePendingGauge recomputes the pending ref update gauge from the table.
func (tm *txManager) reconcilePendingGauge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	states := []domain.PendingRefUpdateState{
		domain.PendingRefUpdatePreliminary,
		domain.PendingRefUpdateProcessed,
		domain.PendingRefUpdateFinished,
		domain.PendingRefUpdateFailed,
	}

	for {
		select {
		case <-ticker.C:
			counts, err := NewPendingRefUpdateRepository(tm.db).CountByState(ctx)
			if err != nil {
				log.Error().Err(err).Str("layer", "storage").Msg("failed to count pending ref updates")
				continue
			}
			for _, state := range states {
				metrics.PendingRefUpdates.WithLabelValues(string(state)).Set(float64(counts[state]))
			}

			var abandoned int64
			if err := tm.db.WithContext(ctx).Model(&PendingRefUpdate{}).Where("abandoned = ?", true).Count(&abandoned).Error; err != nil {
				log.Error().Err(err).Str("layer", "storage").Msg("failed to count abandoned pending ref updates")
				continue
			}
			metrics.AbandonedRefUpdates.Set(float64(abandoned))

		case <-ctx.Done():
			return
		}
	}
}

// Do runs fn in a transaction with automatic commit/rollback, then runs the matching callbacks
func (tm *txManager) Do(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	start := time.Now()
	txWrapper := &transaction{}

	err := tm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txWrapper.db = tx

		if err := fn(ctx, txWrapper); err != nil {
			// GORM rolls back
			metrics.DBTransactionTotal.WithLabelValues("error").Inc()
			return err
		}

		// GORM commits
		metrics.DBTransactionTotal.WithLabelValues("success").Inc()
		return nil
	})

	metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())

	callbacks := txWrapper.afterCommit
	if err != nil {
		callbacks = txWrapper.afterRollback
	}
	for _, callback := range callbacks {
		callback()
	}

	return err
}

// transaction wraps gorm.DB and implements storage.Tx
type transaction struct {
	db            *gorm.DB
	afterCommit   []func()
	afterRollback []func()
}

func (t *transaction) RepositoryRepo() storage.RepositoryRepository {
	return NewRepositoryRepository(t.db)
}

func (t *transaction) UserRepo() storage.UserRepository {
	return NewUserRepository(t.db)
}

func (t *transaction) CommitRepo() storage.CommitRepository {
	return NewCommitRepository(t.db)
}

func (t *transaction) BranchRepo() storage.BranchRepository {
	return NewBranchRepository(t.db)
}

func (t *transaction) BranchUpdateRepo() storage.BranchUpdateRepository {
	return NewBranchUpdateRepository(t.db)
}

func (t *transaction) PendingRefUpdateRepo() storage.PendingRefUpdateRepository {
	return NewPendingRefUpdateRepository(t.db)
}

func (t *transaction) ReviewRepo() storage.ReviewRepository {
	return NewReviewRepository(t.db)
}

func (t *transaction) ReplayRepo() storage.ReplayRepository {
	return NewReplayRepository(t.db)
}

func (t *transaction) ChangesetRepo() storage.ChangesetRepository {
	return NewChangesetRepository(t.db)
}

func (t *transaction) SettingRepo() storage.SettingRepository {
	return NewSettingRepository(t.db)
}

func (t *transaction) TrackedBranchRepo() storage.TrackedBranchRepository {
	return NewTrackedBranchRepository(t.db)
}

func (t *transaction) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *transaction) AfterRollback(fn func()) {
	t.afterRollback = append(t.afterRollback, fn)
}
