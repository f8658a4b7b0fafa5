// Package background drives the wake loops of the long-running services.
package background

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"critic/internal/metrics"
	"critic/internal/wakebus"
)

// DefaultIdleInterval bounds how long a service sleeps when nobody wakes it.
const DefaultIdleInterval = 30 * time.Second

// Pass scans a service's queue once. A positive next asks for another pass after that long even
// if no wake arrives.
type Pass func(ctx context.Context) (next time.Duration, err error)

// Run calls pass immediately and then whenever the service is woken, its requested delay
// expires or the idle interval elapses. Wakes arriving during a pass collapse into one more pass.
// Run returns when ctx is done.
func Run(ctx context.Context, name string, bus wakebus.Bus, idle time.Duration, pass Pass) {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	wakes := bus.Subscribe(name)
	timer := time.NewTimer(0)
	defer timer.Stop()

	log.Info().Str("layer", "background").Str("service", name).Msg("service started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("layer", "background").Str("service", name).Msg("service stopped")
			return
		case <-wakes:
		case <-timer.C:
		}

		next, err := runPass(ctx, name, pass)
		if err != nil && ctx.Err() == nil {
			metrics.ErrorsTotal.WithLabelValues("pass_failed", name).Inc()
			log.Error().
				Err(err).
				Str("layer", "background").
				Str("service", name).
				Msg("service pass failed")
		}
		if next <= 0 || next > idle {
			next = idle
		}
		timer.Reset(next)
	}
}

func runPass(ctx context.Context, name string, pass Pass) (next time.Duration, err error) {
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v\n%s", recovered, debug.Stack())
		}
		metrics.ServicePassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	return pass(ctx)
}
