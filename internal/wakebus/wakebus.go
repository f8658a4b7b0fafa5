// Package wakebus lets one background service nudge another to rescan its queue.
// Wakes carry no payload and collapse: any number of wakes while a service is busy
// cause exactly one rescan afterwards.
package wakebus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/metrics"
)

const (
	Githook       = "githook"
	BranchUpdater = "branchupdater"
	ReviewUpdater = "reviewupdater"
	Replayer      = "replayer"
)

// Services lists every service that can be woken.
var Services = []string{Githook, BranchUpdater, ReviewUpdater, Replayer}

func IsKnown(service string) bool {
	for _, s := range Services {
		if s == service {
			return true
		}
	}
	return false
}

type Bus interface {
	// Wake makes service rescan its queue within bounded time.
	Wake(ctx context.Context, service string) error
	// Subscribe returns the channel a service receives its wakes on.
	Subscribe(service string) <-chan struct{}
	Close() error
}

// Local delivers wakes between services of one process.
type Local struct {
	mu       sync.Mutex
	channels map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{channels: make(map[string]chan struct{})}
}

func (l *Local) channel(service string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[service]
	if !ok {
		ch = make(chan struct{}, 1)
		l.channels[service] = ch
	}
	return ch
}

func (l *Local) Wake(_ context.Context, service string) error {
	if !IsKnown(service) {
		return domain.ErrUnknownService
	}
	metrics.WakesTotal.WithLabelValues(service).Inc()
	l.deliver(service)
	return nil
}

func (l *Local) deliver(service string) {
	select {
	case l.channel(service) <- struct{}{}:
	default:
		// a wake is already pending
	}
}

func (l *Local) Subscribe(service string) <-chan struct{} {
	return l.channel(service)
}

func (l *Local) Close() error {
	return nil
}

// WakeAfterCommit is the usual way to wake a service from inside a transaction.
func WakeAfterCommit(ctx context.Context, bus Bus, service string) func() {
	return func() {
		if err := bus.Wake(context.WithoutCancel(ctx), service); err != nil {
			log.Error().
				Err(err).
				Str("layer", "wakebus").
				Str("service", service).
				Msg("failed to wake service")
		}
	}
}
