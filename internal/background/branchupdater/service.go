// Package branchupdater brings the database in line with refs that git has moved after the
// pre-receive hook accepted a push.
package branchupdater

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"critic/internal/background"
	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

type Service struct {
	cfg          config.Critic
	tm           storage.TxManager
	bus          wakebus.Bus
	reviewBranch *regexp.Regexp
	urls         domain.URLs

	now func() time.Time
}

func New(cfg config.Critic, tm storage.TxManager, bus wakebus.Bus) (*Service, error) {
	pattern, err := regexp.Compile(cfg.ReviewBranchPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid review branch pattern %q: %w", cfg.ReviewBranchPattern, err)
	}
	if cfg.PreliminaryTimeout <= 0 {
		cfg.PreliminaryTimeout = config.DefaultPreliminaryTimeout
	}
	return &Service{
		cfg:          cfg,
		tm:           tm,
		bus:          bus,
		reviewBranch: pattern,
		urls:         domain.URLs{Prefix: cfg.URLPrefix},
		now:          time.Now,
	}, nil
}

// Run processes pending updates until ctx is done.
func (s *Service) Run(ctx context.Context) {
	background.Run(ctx, wakebus.BranchUpdater, s.bus, 0, s.Pass)
}

// Pass processes every preliminary update whose ref git has already moved. Repositories are
// handled concurrently, the updates of one repository in insertion order. The returned delay is
// when the earliest update still waiting for git should be looked at again.
func (s *Service) Pass(ctx context.Context) (time.Duration, error) {
	var rows []domain.PendingRefUpdate
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rows, err = tx.PendingRefUpdateRepo().ListByState(ctx, domain.PendingRefUpdatePreliminary)
		return err
	})
	if err != nil {
		return 0, err
	}

	byRepository := make(map[int64][]domain.PendingRefUpdate)
	var order []int64
	for _, row := range rows {
		if _, ok := byRepository[row.RepositoryID]; !ok {
			order = append(order, row.RepositoryID)
		}
		byRepository[row.RepositoryID] = append(byRepository[row.RepositoryID], row)
	}

	var mu sync.Mutex
	var next time.Duration
	g, gctx := errgroup.WithContext(ctx)
	for _, repositoryID := range order {
		updates := byRepository[repositoryID]
		g.Go(func() error {
			wait, err := s.processRepository(gctx, repositoryID, updates)
			mu.Lock()
			if wait > 0 && (next == 0 || wait < next) {
				next = wait
			}
			mu.Unlock()
			return err
		})
	}
	return next, g.Wait()
}

func (s *Service) processRepository(ctx context.Context, repositoryID int64, updates []domain.PendingRefUpdate) (time.Duration, error) {
	var repository *domain.Repository
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		repository, err = tx.RepositoryRepo().GetByID(ctx, repositoryID)
		return err
	})
	if err != nil {
		return 0, err
	}
	repo := git.NewRepository(s.cfg.GitBinary, repository.Path)

	var next time.Duration
	for i := range updates {
		update := &updates[i]
		ctx := logger.WithSessionID(ctx, fmt.Sprintf("pendingrefupdate-%d", update.ID))

		current, err := repo.CurrentValue(ctx, update.Name)
		if err != nil {
			return next, err
		}
		if current != update.NewSHA1 {
			wait, err := s.waitForGit(ctx, repo, update)
			if err != nil {
				return next, err
			}
			if wait > 0 && (next == 0 || wait < next) {
				next = wait
			}
			continue
		}

		result := s.process(ctx, repository, repo, update)
		if err := s.record(ctx, repo, update, result); err != nil {
			return next, err
		}
	}
	return next, nil
}

// waitForGit handles an update whose ref has not moved yet. It returns when to look again; past
// twice the preliminary timeout the update is given up on.
func (s *Service) waitForGit(ctx context.Context, repo *git.Repository, update *domain.PendingRefUpdate) (time.Duration, error) {
	timeout := s.cfg.PreliminaryTimeout
	age := s.now().Sub(update.StartedAt)

	switch {
	case age < timeout:
		return timeout - age, nil
	case age < 2*timeout:
		log.Warn().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "branchupdater").
			Str("ref", update.Name).
			Dur("age", age).
			Msg("ref has not been updated by git within the preliminary timeout")
		return 2*timeout - age, nil
	}

	log.Warn().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branchupdater").
		Str("ref", update.Name).
		Dur("age", age).
		Msg("giving up on ref update that git never performed")
	metrics.BranchUpdatesTotal.WithLabelValues("timeout", "failure").Inc()

	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending := tx.PendingRefUpdateRepo()
		message := fmt.Sprintf("Git did not update %s within %s; the update was not processed.", update.Name, 2*timeout)
		if err := pending.AddOutput(ctx, update.ID, message, false); err != nil {
			return err
		}
		return pending.Transition(ctx, update.ID, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateFailed)
	})
	if err != nil {
		return 0, err
	}
	return 0, pendingrefs.Conclude(ctx, s.tm, repo, update.ID)
}

// record persists the failure of an update, if any, and cleans up after abandoned updates.
func (s *Service) record(ctx context.Context, repo *git.Repository, update *domain.PendingRefUpdate, result Result) error {
	if result.Failed {
		metrics.BranchUpdatesTotal.WithLabelValues(operation(update), "failure").Inc()
		log.Error().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "branchupdater").
			Str("ref", update.Name).
			Str("traceback", result.Traceback).
			Msg("failed to process ref update")
		err := pendingrefs.Fail(ctx, s.tm, update, domain.PendingRefUpdatePreliminary, result.Traceback)
		if errors.Is(err, storage.ErrConflict) {
			// Someone else already concluded the update.
			return nil
		}
		if err != nil {
			return err
		}
	}
	return pendingrefs.Conclude(ctx, s.tm, repo, update.ID)
}
