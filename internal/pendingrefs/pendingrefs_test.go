package pendingrefs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/domain"
	"critic/internal/git/gittest"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/storage/gorm/gormtest"
)

func TestAction(t *testing.T) {
	sha1 := "1111111111111111111111111111111111111111"

	assert.Equal(t, "creating", pendingrefs.Action(&domain.PendingRefUpdate{OldSHA1: domain.ZeroSHA1, NewSHA1: sha1}))
	assert.Equal(t, "deleting", pendingrefs.Action(&domain.PendingRefUpdate{OldSHA1: sha1, NewSHA1: domain.ZeroSHA1}))
	assert.Equal(t, "updating", pendingrefs.Action(&domain.PendingRefUpdate{OldSHA1: sha1, NewSHA1: sha1}))
}

func TestTraceback(t *testing.T) {
	traceback := pendingrefs.Traceback(errors.New("boom"))

	assert.Contains(t, traceback, "boom\n\n")
	assert.Contains(t, traceback, "goroutine")
}

func TestCompensate(t *testing.T) {
	ctx := context.Background()
	repo := gittest.New(t)
	commits := repo.Chain("", "c", 2)

	t.Run("creation", func(t *testing.T) {
		repo.SetRef("refs/heads/created", commits[1])
		update := &domain.PendingRefUpdate{Name: "refs/heads/created", OldSHA1: domain.ZeroSHA1, NewSHA1: commits[1]}

		message, err := pendingrefs.Compensate(ctx, repo.Git, update, pendingrefs.CompensatedByHook)
		require.NoError(t, err)

		assert.Equal(t, "refs/heads/created: failed => reset back to: oblivion", message)
		value, err := repo.Git.CurrentValue(ctx, "refs/heads/created")
		require.NoError(t, err)
		assert.Equal(t, domain.ZeroSHA1, value)
		keepalive, err := repo.Git.CurrentValue(ctx, domain.KeepaliveRef(commits[1]))
		require.NoError(t, err)
		assert.Equal(t, commits[1], keepalive)
	})

	t.Run("update", func(t *testing.T) {
		repo.SetRef("refs/heads/updated", commits[1])
		update := &domain.PendingRefUpdate{Name: "refs/heads/updated", OldSHA1: commits[0], NewSHA1: commits[1]}

		message, err := pendingrefs.Compensate(ctx, repo.Git, update, pendingrefs.CompensatedByHook)
		require.NoError(t, err)

		assert.Equal(t, "refs/heads/updated: failed => reset back to: "+commits[0], message)
		value, err := repo.Git.CurrentValue(ctx, "refs/heads/updated")
		require.NoError(t, err)
		assert.Equal(t, commits[0], value)
	})

	t.Run("deletion", func(t *testing.T) {
		update := &domain.PendingRefUpdate{Name: "refs/heads/deleted", OldSHA1: commits[0], NewSHA1: domain.ZeroSHA1}

		_, err := pendingrefs.Compensate(ctx, repo.Git, update, pendingrefs.CompensatedByHook)
		require.NoError(t, err)

		value, err := repo.Git.CurrentValue(ctx, "refs/heads/deleted")
		require.NoError(t, err)
		assert.Equal(t, commits[0], value)
	})
}

func insertUpdate(t *testing.T, tm storage.TxManager, update *domain.PendingRefUpdate) {
	t.Helper()
	err := tm.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.PendingRefUpdateRepo().Create(ctx, update)
	})
	require.NoError(t, err)
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	tm, _ := gormtest.New(t)
	update := &domain.PendingRefUpdate{RepositoryID: 1, Name: "refs/heads/x", OldSHA1: domain.ZeroSHA1, NewSHA1: "2222222222222222222222222222222222222222"}
	insertUpdate(t, tm, update)

	require.NoError(t, pendingrefs.Fail(ctx, tm, update, domain.PendingRefUpdatePreliminary, "it broke"))

	err := tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		stored, err := tx.PendingRefUpdateRepo().GetByID(ctx, update.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PendingRefUpdateFailed, stored.State)

		outputs, err := tx.PendingRefUpdateRepo().Outputs(ctx, update.ID, 0)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		assert.Equal(t, "it broke", outputs[0].Output)
		assert.True(t, outputs[0].Traceback)
		return nil
	})
	require.NoError(t, err)

	// a second failure finds the row in the wrong state
	err = pendingrefs.Fail(ctx, tm, update, domain.PendingRefUpdatePreliminary, "again")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestConclude(t *testing.T) {
	ctx := context.Background()
	tm, _ := gormtest.New(t)
	repo := gittest.New(t)
	commits := repo.Chain("", "c", 1)
	repo.SetRef("refs/heads/x", commits[0])

	listening := &domain.PendingRefUpdate{RepositoryID: 1, Name: "refs/heads/y", OldSHA1: domain.ZeroSHA1, NewSHA1: commits[0]}
	insertUpdate(t, tm, listening)
	abandoned := &domain.PendingRefUpdate{RepositoryID: 1, Name: "refs/heads/x", OldSHA1: domain.ZeroSHA1, NewSHA1: commits[0]}
	insertUpdate(t, tm, abandoned)
	err := tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		repo := tx.PendingRefUpdateRepo()
		for _, id := range []int64{listening.ID, abandoned.ID} {
			if err := repo.Transition(ctx, id, domain.PendingRefUpdatePreliminary, domain.PendingRefUpdateFailed); err != nil {
				return err
			}
		}
		return repo.SetAbandoned(ctx, []int64{abandoned.ID})
	})
	require.NoError(t, err)

	require.NoError(t, pendingrefs.Conclude(ctx, tm, repo.Git, listening.ID))
	require.NoError(t, pendingrefs.Conclude(ctx, tm, repo.Git, abandoned.ID))

	err = tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.PendingRefUpdateRepo().GetByID(ctx, listening.ID)
		assert.NoError(t, err)
		_, err = tx.PendingRefUpdateRepo().GetByID(ctx, abandoned.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	value, err := repo.Git.CurrentValue(ctx, "refs/heads/x")
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSHA1, value)

	// concluding a collected update is a no-op
	assert.NoError(t, pendingrefs.Conclude(ctx, tm, repo.Git, abandoned.ID))
}
