// Package reviewupdater turns branch updates of review branches into review updates.
package reviewupdater

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"critic/internal/background"
	"critic/internal/changeset"
	"critic/internal/config"
	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

const (
	defaultReplayPollInitial = time.Second
	defaultReplayPollMax     = time.Minute
	defaultChangesetWait     = 5 * time.Minute

	requestedChangesetsPerPass = 20
)

type Service struct {
	cfg  config.Critic
	tm   storage.TxManager
	bus  wakebus.Bus
	urls domain.URLs

	replayPollInitial time.Duration
	replayPollMax     time.Duration
	changesetWait     time.Duration
}

func New(cfg config.Critic, tm storage.TxManager, bus wakebus.Bus) *Service {
	return &Service{
		cfg:               cfg,
		tm:                tm,
		bus:               bus,
		urls:              domain.URLs{Prefix: cfg.URLPrefix},
		replayPollInitial: defaultReplayPollInitial,
		replayPollMax:     defaultReplayPollMax,
		changesetWait:     defaultChangesetWait,
	}
}

// Run processes review branch updates until ctx is done.
func (s *Service) Run(ctx context.Context) {
	background.Run(ctx, wakebus.ReviewUpdater, s.bus, 0, s.Pass)
}

// Pass processes every pending update the branch updater left in state processed. Repositories
// are handled concurrently.
func (s *Service) Pass(ctx context.Context) (time.Duration, error) {
	var rows []domain.PendingRefUpdate
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		rows, err = tx.PendingRefUpdateRepo().ListByState(ctx, domain.PendingRefUpdateProcessed)
		return err
	})
	if err != nil {
		return 0, err
	}

	byRepository := make(map[int64][]domain.PendingRefUpdate)
	var order []int64
	for _, row := range rows {
		if row.BranchUpdateID == nil {
			continue
		}
		if _, ok := byRepository[row.RepositoryID]; !ok {
			order = append(order, row.RepositoryID)
		}
		byRepository[row.RepositoryID] = append(byRepository[row.RepositoryID], row)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, repositoryID := range order {
		updates := byRepository[repositoryID]
		g.Go(func() error {
			return s.processRepository(gctx, repositoryID, updates)
		})
	}
	return 0, g.Wait()
}

func (s *Service) processRepository(ctx context.Context, repositoryID int64, updates []domain.PendingRefUpdate) error {
	var repository *domain.Repository
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		repository, err = tx.RepositoryRepo().GetByID(ctx, repositoryID)
		return err
	})
	if err != nil {
		return err
	}
	repo := git.NewRepository(s.cfg.GitBinary, repository.Path)

	// Updates of different reviews are independent; one slow replay must not hold up the others.
	var mu sync.Mutex
	var result *multierror.Error
	var wg sync.WaitGroup
	for i := range updates {
		update := &updates[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := logger.WithSessionID(ctx, fmt.Sprintf("pendingrefupdate-%d", update.ID))
			if err := s.processUpdate(ctx, repository, repo, update); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Combined changesets are not needed by any update; compute them once the pushers have their output.
	computed, err := changeset.NewDriver(s.tm, repo, repositoryID).ComputeRequested(ctx, requestedChangesetsPerPass)
	if err != nil {
		result = multierror.Append(result, err)
	} else if computed > 0 {
		log.Debug().
			Str("layer", "reviewupdater").
			Int64("repository_id", repositoryID).
			Int("changesets", computed).
			Msg("computed requested changesets")
	}
	return result.ErrorOrNil()
}

// job is everything one review update works with.
type job struct {
	repository *domain.Repository
	git        *git.Repository
	update     *domain.PendingRefUpdate
	branch     *domain.Branch
	review     *domain.Review
	branchUp   *domain.BranchUpdate
	rebase     *domain.ReviewRebase
	updater    *domain.User
}

func (s *Service) processUpdate(ctx context.Context, repository *domain.Repository, repo *git.Repository, update *domain.PendingRefUpdate) error {
	j, err := s.load(ctx, repository, repo, update)
	if err != nil || j == nil {
		return err
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "reviewupdater").
		Int64("review_id", j.review.ID).
		Int64("branch_update_id", j.branchUp.ID).
		Bool("rebase", j.rebase != nil).
		Msg("updating review")

	kind := "update"
	if j.rebase != nil {
		kind = "rebase"
	}

	err = protect(func() error { return s.apply(ctx, j) })
	var rebaseFailure *domain.RebaseProcessingFailure
	switch {
	case err == nil:
		metrics.ReviewUpdatesTotal.WithLabelValues(kind, "success").Inc()
	case errors.As(err, &rebaseFailure):
		metrics.ReviewUpdatesTotal.WithLabelValues(kind, "failure").Inc()
		log.Error().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "reviewupdater").
			Int64("review_id", j.review.ID).
			Str("traceback", rebaseFailure.Traceback).
			Msg("rebase processing failed")
		if err := s.finishFailedRebase(ctx, j, rebaseFailure.Traceback); err != nil {
			return err
		}
	default:
		metrics.ReviewUpdatesTotal.WithLabelValues(kind, "failure").Inc()
		traceback := pendingrefs.Traceback(err)
		log.Error().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "reviewupdater").
			Int64("review_id", j.review.ID).
			Str("traceback", traceback).
			Msg("failed to update review")
		if err := s.fail(ctx, j, traceback); err != nil {
			return err
		}
	}
	return pendingrefs.Conclude(ctx, s.tm, repo, update.ID)
}

func protect(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n\n%s", p, debug.Stack())
		}
	}()
	return fn()
}

// load returns nil when the branch update has to wait for an earlier one of the same branch.
func (s *Service) load(ctx context.Context, repository *domain.Repository, repo *git.Repository, update *domain.PendingRefUpdate) (*job, error) {
	j := &job{repository: repository, git: repo, update: update}
	ready := false
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if j.branchUp, err = tx.BranchUpdateRepo().GetByID(ctx, *update.BranchUpdateID); err != nil {
			return err
		}
		if j.branch, err = tx.BranchRepo().GetByID(ctx, j.branchUp.BranchID); err != nil {
			return err
		}
		if j.review, err = tx.ReviewRepo().GetByBranch(ctx, j.branch.ID); err != nil {
			return err
		}

		unprocessed, err := tx.ReviewRepo().UnprocessedBranchUpdates(ctx, j.branch.ID)
		if err != nil {
			return err
		}
		if len(unprocessed) == 0 || unprocessed[0] != j.branchUp.ID {
			return nil
		}
		ready = true

		j.rebase, err = tx.ReviewRepo().PendingRebase(ctx, j.review.ID)
		if errors.Is(err, storage.ErrNotFound) {
			j.rebase, err = nil, nil
		}
		if err != nil {
			return err
		}

		if update.UpdaterID != nil {
			j.updater, err = tx.UserRepo().GetByID(ctx, *update.UpdaterID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ready {
		log.Debug().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "reviewupdater").
			Int64("branch_update_id", *update.BranchUpdateID).
			Msg("branch update waits for an earlier one")
		return nil, nil
	}
	return j, nil
}

// fail marks the update failed and takes the branch back to where it was before it. The post-receive
// handler, or Conclude for an abandoned update, then rewinds the ref itself.
func (s *Service) fail(ctx context.Context, j *job, traceback string) error {
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending := tx.PendingRefUpdateRepo()
		if err := pending.AddOutput(ctx, j.update.ID, traceback, true); err != nil {
			return err
		}
		if err := pending.Transition(ctx, j.update.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFailed); err != nil {
			return err
		}
		return revertBranchUpdate(ctx, tx, j)
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

func revertBranchUpdate(ctx context.Context, tx storage.Tx, j *job) error {
	bu := j.branchUp
	if bu.FromHeadID == nil {
		return fmt.Errorf("branch update %d has no previous head", bu.ID)
	}
	branch := *j.branch
	branch.HeadID = *bu.FromHeadID
	branch.BaseBranchID = bu.FromBaseBranchID
	branch.Size += len(bu.Disassociated) - len(bu.Associated)
	if err := tx.BranchRepo().Update(ctx, &branch); err != nil {
		return err
	}
	if err := tx.BranchRepo().Disassociate(ctx, branch.ID, bu.Associated); err != nil {
		return err
	}
	if err := tx.BranchRepo().Associate(ctx, branch.ID, bu.Disassociated); err != nil {
		return err
	}
	if err := tx.ReviewRepo().RevertUpdate(ctx, j.review.ID, bu.ID); err != nil {
		return err
	}
	return tx.BranchUpdateRepo().Delete(ctx, bu.ID)
}

// finishFailedRebase records the update without the rebase's replay. The ref has moved and the
// branch commits are already right, only the conflict analysis is missing.
func (s *Service) finishFailedRebase(ctx context.Context, j *job, traceback string) error {
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending := tx.PendingRefUpdateRepo()
		if err := pending.AddOutput(ctx, j.update.ID, traceback, true); err != nil {
			return err
		}
		if err := pending.AddOutput(ctx, j.update.ID, "The rebase could not be replayed; the review was updated without conflict analysis.", false); err != nil {
			return err
		}
		if err := tx.ReviewRepo().CreateUpdate(ctx, j.review.ID, j.branchUp.ID, j.update.UpdaterID); err != nil {
			return err
		}
		rebase := *j.rebase
		rebase.EquivalentMergeID, rebase.ReplayedRebaseID = nil, nil
		rebase.BranchUpdateID = &j.branchUp.ID
		if err := tx.ReviewRepo().FinishRebase(ctx, &rebase); err != nil {
			return err
		}
		return pending.Transition(ctx, j.update.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFinished)
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}
