package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
)

// CollectDBStats publishes connection pool statistics every interval until ctx is done.
// Post-receive clients hold a connection while they poll, so waits are worth watching.
func CollectDBStats(ctx context.Context, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var waits int64
	publish := func() {
		stats := sqlDB.Stats()
		DBConnectionPoolActive.Set(float64(stats.InUse))
		DBConnectionPoolIdle.Set(float64(stats.Idle))
		if stats.WaitCount > waits {
			DBConnectionPoolWaits.Add(float64(stats.WaitCount - waits))
			waits = stats.WaitCount
		}
	}

	publish()
	for {
		select {
		case <-ticker.C:
			publish()
		case <-ctx.Done():
			log.Debug().Str("layer", "metrics").Msg("db stats collector stopped")
			return
		}
	}
}
