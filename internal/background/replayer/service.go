// Package replayer re-performs merges and rebases in scratch worktrees so that the conflicts a
// developer resolved can be shown as a diff against what git would have done.
package replayer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog/log"

	"critic/internal/background"
	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/metrics"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

const (
	kindMerge  = "merge"
	kindRebase = "rebase"
)

// key identifies a request row. Merges use repository and merge, rebases use rebase, branch
// update and new upstream.
type key struct {
	kind    string
	a, b, c int64
}

type Service struct {
	cfg  config.Critic
	tm   storage.TxManager
	bus  wakebus.Bus
	pool pond.Pool

	mu      sync.Mutex
	running map[key]bool
	merges  []domain.MergeReplayRequest
	rebases []domain.RebaseReplayRequest

	// inflight counts replays whose result has not been collected yet.
	inflight sync.WaitGroup

	now func() time.Time
}

func New(cfg config.Critic, tm storage.TxManager, bus wakebus.Bus) *Service {
	if cfg.ReplayWorkers <= 0 {
		cfg.ReplayWorkers = config.DefaultReplayWorkers
	}
	if cfg.ReplayRetention <= 0 {
		cfg.ReplayRetention = config.DefaultReplayRetention
	}
	return &Service{
		cfg:     cfg,
		tm:      tm,
		bus:     bus,
		pool:    pond.NewPool(cfg.ReplayWorkers),
		running: make(map[key]bool),
		now:     time.Now,
	}
}

// Run serves replay requests until ctx is done, then waits for running replays to end.
func (s *Service) Run(ctx context.Context) {
	background.Run(ctx, wakebus.Replayer, s.bus, 0, s.Pass)
	s.pool.StopAndWait()
}

// Pass stores the results collected since the previous pass, drops expired requests and starts a
// worker for every pending request that has none.
func (s *Service) Pass(ctx context.Context) (time.Duration, error) {
	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	if err := s.expire(ctx); err != nil {
		return 0, err
	}

	var merges []domain.MergeReplayRequest
	var rebases []domain.RebaseReplayRequest
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if merges, err = tx.ReplayRepo().PendingMerges(ctx); err != nil {
			return err
		}
		rebases, err = tx.ReplayRepo().PendingRebases(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, request := range merges {
		k := key{kind: kindMerge, a: request.RepositoryID, b: request.MergeID}
		s.start(ctx, k, func(ctx context.Context) (int64, error) {
			return s.replayMerge(ctx, request)
		}, func(replay *int64, traceback *string) {
			request.ReplayID, request.Traceback = replay, traceback
			s.merges = append(s.merges, request)
		})
	}
	for _, request := range rebases {
		k := key{kind: kindRebase, a: request.RebaseID, b: request.BranchUpdateID, c: request.NewUpstreamID}
		s.start(ctx, k, func(ctx context.Context) (int64, error) {
			return s.replayRebase(ctx, request)
		}, func(replay *int64, traceback *string) {
			request.ReplayID, request.Traceback = replay, traceback
			s.rebases = append(s.rebases, request)
		})
	}
	return 0, nil
}

// start submits replay unless a worker for k already exists. collect runs with s.mu held.
func (s *Service) start(ctx context.Context, k key, replay func(context.Context) (int64, error), collect func(replay *int64, traceback *string)) {
	s.mu.Lock()
	if s.running[k] {
		s.mu.Unlock()
		return
	}
	s.running[k] = true
	s.inflight.Add(1)
	s.mu.Unlock()

	s.pool.Submit(func() {
		defer s.inflight.Done()

		started := time.Now()
		replayID, err := protect(ctx, replay)
		if err != nil && ctx.Err() != nil {
			// Shutting down; the request stays pending for the next run.
			s.mu.Lock()
			delete(s.running, k)
			s.mu.Unlock()
			return
		}
		metrics.ReplayDuration.WithLabelValues(k.kind).Observe(time.Since(started).Seconds())

		var result *int64
		var traceback *string
		if err != nil {
			metrics.ReplaysTotal.WithLabelValues(k.kind, "failure").Inc()
			log.Error().
				Err(err).
				Str("layer", "replayer").
				Str("kind", k.kind).
				Msg("replay failed")
			tb := pendingrefs.Traceback(err)
			traceback = &tb
		} else {
			metrics.ReplaysTotal.WithLabelValues(k.kind, "success").Inc()
			result = &replayID
		}

		s.mu.Lock()
		collect(result, traceback)
		s.mu.Unlock()

		if err := s.bus.Wake(context.WithoutCancel(ctx), wakebus.Replayer); err != nil {
			log.Error().Err(err).Str("layer", "replayer").Msg("failed to wake replayer")
		}
	})
}

func protect(ctx context.Context, replay func(context.Context) (int64, error)) (id int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n\n%s", p, debug.Stack())
		}
	}()
	return replay(ctx)
}

// flush writes the collected results and lets their keys be scanned again.
func (s *Service) flush(ctx context.Context) error {
	s.mu.Lock()
	merges, rebases := s.merges, s.rebases
	s.merges, s.rebases = nil, nil
	s.mu.Unlock()

	if len(merges) == 0 && len(rebases) == 0 {
		return nil
	}

	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.ReplayRepo().FinishMerges(ctx, merges); err != nil {
			return err
		}
		if err := tx.ReplayRepo().FinishRebases(ctx, rebases); err != nil {
			return err
		}
		tx.AfterCommit(wakebus.WakeAfterCommit(ctx, s.bus, wakebus.ReviewUpdater))
		return nil
	})
	if err != nil {
		s.mu.Lock()
		s.merges = append(merges, s.merges...)
		s.rebases = append(rebases, s.rebases...)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	for _, request := range merges {
		delete(s.running, key{kind: kindMerge, a: request.RepositoryID, b: request.MergeID})
	}
	for _, request := range rebases {
		delete(s.running, key{kind: kindRebase, a: request.RebaseID, b: request.BranchUpdateID, c: request.NewUpstreamID})
	}
	s.mu.Unlock()

	log.Info().
		Str("layer", "replayer").
		Int("merges", len(merges)).
		Int("rebases", len(rebases)).
		Msg("stored replay results")
	return nil
}

// expire deletes finished requests older than the retention period. By then the review update
// that asked for them has copied the result.
func (s *Service) expire(ctx context.Context) error {
	return s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		deleted, err := tx.ReplayRepo().DeleteFinishedBefore(ctx, s.now().Add(-s.cfg.ReplayRetention))
		if err != nil {
			return err
		}
		if deleted > 0 {
			log.Debug().
				Str("layer", "replayer").
				Int64("deleted", deleted).
				Msg("deleted expired replay requests")
		}
		return nil
	})
}
