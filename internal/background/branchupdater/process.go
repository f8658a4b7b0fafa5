package branchupdater

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog/log"

	"critic/internal/branches"
	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/ingest"
	"critic/internal/logger"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

// Result is the outcome of processing one pending update.
type Result struct {
	Output []string
	// Review is set when the update was left in state processed for the review updater.
	Review    bool
	Failed    bool
	Traceback string
}

func operation(update *domain.PendingRefUpdate) string {
	switch {
	case !strings.HasPrefix(update.Name, domain.RefsHeads):
		return "ref"
	case update.IsCreation():
		return "create"
	case update.IsDeletion():
		return "delete"
	default:
		return "update"
	}
}

// process applies one update in a single transaction. Failures, panics included, come back as a
// failed Result; the transaction has then been rolled back.
func (s *Service) process(ctx context.Context, repository *domain.Repository, repo *git.Repository, update *domain.PendingRefUpdate) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			result = Result{Failed: true, Traceback: fmt.Sprintf("panic: %v\n\n%s", p, debug.Stack())}
		}
	}()

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branchupdater").
		Str("ref", update.Name).
		Str("old_sha1", update.OldSHA1).
		Str("new_sha1", update.NewSHA1).
		Msg("processing ref update")

	env := branches.Env{Repository: repository, Git: repo, URLs: s.urls}
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending := tx.PendingRefUpdateRepo()
		if err := pending.Transition(ctx, update.ID, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateProcessed); err != nil {
			return err
		}

		var updater *domain.User
		if update.UpdaterID != nil {
			var err error
			if updater, err = tx.UserRepo().GetByID(ctx, *update.UpdaterID); err != nil {
				return err
			}
		}

		var err error
		result, err = s.apply(ctx, tx, env, update, updater)
		if err != nil {
			return err
		}

		for _, output := range result.Output {
			if output == "" {
				continue
			}
			if err := pending.AddOutput(ctx, update.ID, output, false); err != nil {
				return err
			}
		}
		if result.Review {
			tx.AfterCommit(wakebus.WakeAfterCommit(ctx, s.bus, wakebus.ReviewUpdater))
			return nil
		}
		return pending.Transition(ctx, update.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFinished)
	})
	if err != nil {
		return Result{Failed: true, Traceback: pendingrefs.Traceback(err)}
	}
	return result
}

// apply ingests the pushed commits and performs the branch operation the update stands for.
func (s *Service) apply(ctx context.Context, tx storage.Tx, env branches.Env, update *domain.PendingRefUpdate, updater *domain.User) (Result, error) {
	if !update.IsDeletion() {
		if _, err := ingest.Commits(ctx, tx, env.Git, env.Repository.ID, update.NewSHA1); err != nil {
			return Result{}, err
		}
	}

	name, ok := strings.CutPrefix(update.Name, domain.RefsHeads)
	if !ok {
		// Tags and the reserved namespaces have no meaning beyond the stored commits.
		return Result{}, nil
	}

	switch {
	case update.IsCreation():
		if s.reviewBranch.MatchString(name) {
			return s.createReview(ctx, tx, env, update, updater, name)
		}
		created, err := branches.CreateBranch(ctx, tx, env, name, update.NewSHA1, branches.CreateOptions{
			Updater:            updater,
			PendingRefUpdateID: &update.ID,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Output: []string{created.Output}}, nil

	case update.IsDeletion():
		branch, err := tx.BranchRepo().GetByName(ctx, env.Repository.ID, name)
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{}, branches.DeleteBranch(ctx, tx, env, branch, false)

	default:
		return s.updateBranch(ctx, tx, env, update, updater, name)
	}
}

func (s *Service) updateBranch(ctx context.Context, tx storage.Tx, env branches.Env, update *domain.PendingRefUpdate, updater *domain.User, name string) (Result, error) {
	branch, err := tx.BranchRepo().GetByName(ctx, env.Repository.ID, name)
	if errors.Is(err, storage.ErrNotFound) {
		// The ref existed before anything recorded it; start recording it now.
		created, err := branches.CreateBranch(ctx, tx, env, name, update.NewSHA1, branches.CreateOptions{
			Updater:            updater,
			PendingRefUpdateID: &update.ID,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Output: []string{created.Output}}, nil
	}
	if err != nil {
		return Result{}, err
	}

	isReview := branch.Type == domain.BranchTypeReview
	updated, err := branches.UpdateBranch(ctx, tx, env, branch, update.OldSHA1, update.NewSHA1, branches.UpdateOptions{
		Updater:            updater,
		PendingRefUpdateID: &update.ID,
		IsUpdatingReview:   isReview,
	})
	if err != nil {
		return Result{}, err
	}

	if isReview {
		if err := tx.PendingRefUpdateRepo().SetBranchUpdate(ctx, update.ID, updated.Update.ID); err != nil {
			return Result{}, err
		}
		return Result{Review: true}, nil
	}
	return Result{Output: []string{updated.Output}}, nil
}
