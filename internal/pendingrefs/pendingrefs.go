// Package pendingrefs holds the state machine helpers shared by the githook service and the
// background services that process pending ref updates.
package pendingrefs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
)

// Compensation is performed either by the post-receive handler or, for abandoned rows, by the
// service that failed the update.
const (
	CompensatedByHook    = "githook"
	CompensatedByService = "service"
)

// Action names what the update does to its ref: "creating", "deleting" or "updating".
func Action(update *domain.PendingRefUpdate) string {
	switch {
	case update.IsCreation():
		return "creating"
	case update.IsDeletion():
		return "deleting"
	default:
		return "updating"
	}
}

// Traceback renders err together with the stack of the calling goroutine.
func Traceback(err error) string {
	return fmt.Sprintf("%v\n\n%s", err, debug.Stack())
}

// Fail records traceback as output of the update and moves it from state from to failed.
// It runs in its own transaction so that it survives the rollback of the failed work.
func Fail(ctx context.Context, tm storage.TxManager, update *domain.PendingRefUpdate, from domain.PendingRefUpdateState, traceback string) error {
	return tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		repo := tx.PendingRefUpdateRepo()
		if err := repo.AddOutput(ctx, update.ID, traceback, true); err != nil {
			return err
		}
		return repo.Transition(ctx, update.ID, from, domain.PendingRefUpdateFailed)
	})
}

// Compensate undoes a failed ref update in the repository: a created ref is deleted, a deleted
// ref is recreated and an updated ref is reset to its old value. The pushed commit is kept
// reachable under refs/keepalive/. The returned line is meant for the pushing client.
func Compensate(ctx context.Context, repo *git.Repository, update *domain.PendingRefUpdate, by string) (string, error) {
	var result *multierror.Error

	if !update.IsDeletion() {
		if err := repo.KeepAlive(ctx, update.NewSHA1); err != nil {
			result = multierror.Append(result, err)
		}
	}

	var err error
	resetTo := update.OldSHA1
	switch {
	case update.IsCreation():
		err = repo.DeleteRef(ctx, update.Name, "")
		resetTo = "oblivion"
	case update.IsDeletion():
		err = repo.UpdateRef(ctx, update.Name, update.OldSHA1, domain.ZeroSHA1)
	default:
		err = repo.UpdateRef(ctx, update.Name, update.OldSHA1, "")
	}
	if err != nil {
		result = multierror.Append(result, err)
	}

	metrics.CompensatedRefsTotal.WithLabelValues(by).Inc()
	log.Warn().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "pendingrefs").
		Int64("pendingrefupdate_id", update.ID).
		Str("ref", update.Name).
		Str("reset_to", resetTo).
		Str("by", by).
		Msg("compensated failed ref update")

	return fmt.Sprintf("%s: failed => reset back to: %s", update.Name, resetTo), result.ErrorOrNil()
}

// Conclude is called by a service once it has moved an update to a terminal state. Nobody will
// collect the outcome of an abandoned update, so the service compensates a failure itself and
// deletes the row.
func Conclude(ctx context.Context, tm storage.TxManager, repo *git.Repository, updateID int64) error {
	var update *domain.PendingRefUpdate
	err := tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		update, err = tx.PendingRefUpdateRepo().GetByID(ctx, updateID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		// The post-receive handler already collected it.
		return nil
	}
	if err != nil {
		return err
	}
	if !update.Abandoned || !update.State.IsTerminal() {
		return nil
	}

	if update.State == domain.PendingRefUpdateFailed {
		if _, err := Compensate(ctx, repo, update, CompensatedByService); err != nil {
			return err
		}
	}
	return tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PendingRefUpdateRepo().Delete(ctx, []int64{update.ID})
	})
}
