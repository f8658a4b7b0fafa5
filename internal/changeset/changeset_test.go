package changeset_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/changeset"
	"critic/internal/domain"
	"critic/internal/git/gittest"
	"critic/internal/ingest"
	"critic/internal/storage"
	"critic/internal/storage/gorm/gormtest"
)

func setup(t *testing.T, tip string, repo *gittest.Repo) (storage.TxManager, map[string]int64) {
	t.Helper()
	tm, _ := gormtest.New(t)
	ids := make(map[string]int64)
	err := tm.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		result, err := ingest.Commits(ctx, tx, repo.Git, 1, tip)
		if err != nil {
			return err
		}
		for _, commit := range result.Inserted {
			ids[commit.SHA1] = commit.ID
		}
		return nil
	})
	require.NoError(t, err)
	return tm, ids
}

func TestDriver_Direct(t *testing.T) {
	repo := gittest.New(t)
	root := repo.Commit("root", map[string]string{"a.txt": "1\n2\n"})
	second := repo.Commit("second", map[string]string{"a.txt": "1\nchanged\n3\n", "b.txt": "new\n"}, root)
	tm, ids := setup(t, second, repo)
	driver := changeset.NewDriver(tm, repo.Git, 1)
	ctx := context.Background()

	cs, err := driver.Direct(ctx, ids[second])
	require.NoError(t, err)

	assert.Equal(t, domain.ChangesetTypeDirect, cs.Type)
	assert.Equal(t, domain.ChangesetStateChangedLines, cs.State)
	require.NotNil(t, cs.FromCommitID)
	assert.Equal(t, ids[root], *cs.FromCommitID)
	assert.Equal(t, []domain.ChangesetFile{
		{Path: "a.txt", Deleted: 1, Inserted: 2},
		{Path: "b.txt", Deleted: 0, Inserted: 1},
	}, cs.Files)

	again, err := driver.Direct(ctx, ids[second])
	require.NoError(t, err)
	assert.Equal(t, cs.ID, again.ID)
}

func TestDriver_DirectMergeUsesFirstParent(t *testing.T) {
	repo := gittest.New(t)
	root := repo.Commit("root", map[string]string{"a.txt": "1\n"})
	upstream := repo.Commit("upstream", map[string]string{"a.txt": "1\n", "u.txt": "u\n"}, root)
	tm, ids := setup(t, upstream, repo)

	// the first parent is stored after the second one
	feature := repo.Commit("feature", map[string]string{"a.txt": "1\n", "f.txt": "f\n"}, root)
	merge := repo.Commit("merge", map[string]string{"a.txt": "1\n", "f.txt": "f\n", "u.txt": "u\n"}, feature, upstream)
	require.NoError(t, tm.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		result, err := ingest.Commits(ctx, tx, repo.Git, 1, merge)
		if err != nil {
			return err
		}
		for _, commit := range result.Inserted {
			ids[commit.SHA1] = commit.ID
		}
		return nil
	}))
	require.Greater(t, ids[feature], ids[upstream])

	cs, err := changeset.NewDriver(tm, repo.Git, 1).Direct(context.Background(), ids[merge])
	require.NoError(t, err)

	require.NotNil(t, cs.FromCommitID)
	assert.Equal(t, ids[feature], *cs.FromCommitID)
	assert.Equal(t, []domain.ChangesetFile{{Path: "u.txt", Inserted: 1}}, cs.Files)
}

func TestDriver_DirectRootCommit(t *testing.T) {
	repo := gittest.New(t)
	root := repo.Commit("root", map[string]string{"a.txt": "1\n"})
	tm, ids := setup(t, root, repo)

	cs, err := changeset.NewDriver(tm, repo.Git, 1).Direct(context.Background(), ids[root])
	require.NoError(t, err)

	assert.Nil(t, cs.FromCommitID)
	assert.Equal(t, []domain.ChangesetFile{{Path: "a.txt", Inserted: 1}}, cs.Files)
}

func TestDriver_EnqueueCustomRange(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain("", "c", 4)
	tm, ids := setup(t, chain[3], repo)
	driver := changeset.NewDriver(tm, repo.Git, 1)
	ctx := context.Background()

	commits := []int64{ids[chain[3]], ids[chain[1]], ids[chain[2]]}
	cs, err := driver.EnqueueCustom(ctx, commits)
	require.NoError(t, err)

	assert.Equal(t, domain.ChangesetTypeCustom, cs.Type)
	require.NotNil(t, cs.FromCommitID)
	assert.Equal(t, ids[chain[0]], *cs.FromCommitID)
	assert.Equal(t, ids[chain[3]], cs.ToCommitID)

	again, err := driver.EnqueueCustom(ctx, commits)
	require.NoError(t, err)
	assert.Equal(t, cs.ID, again.ID)
}

func TestDriver_CustomRejectsRootRange(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain("", "c", 2)
	tm, ids := setup(t, chain[1], repo)

	_, err := changeset.NewDriver(tm, repo.Git, 1).EnqueueCustom(context.Background(), []int64{ids[chain[0]], ids[chain[1]]})
	assert.ErrorIs(t, err, changeset.ErrNotCustomizable)
}

func TestDriver_EnqueueCustomIsComputedLater(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain("", "c", 3)
	tm, ids := setup(t, chain[2], repo)
	driver := changeset.NewDriver(tm, repo.Git, 1)
	ctx := context.Background()

	queued, err := driver.EnqueueCustom(ctx, []int64{ids[chain[1]], ids[chain[2]]})
	require.NoError(t, err)
	assert.Equal(t, domain.ChangesetStateRequested, queued.State)
	assert.Empty(t, queued.Files)

	computed, err := driver.ComputeRequested(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, computed)

	ready, err := driver.WaitFor(ctx, queued.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChangesetFile{
		{Path: "c1.txt", Inserted: 1},
		{Path: "c2.txt", Inserted: 1},
	}, ready.Files)

	computed, err = driver.ComputeRequested(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, computed)
}

func TestDriver_WaitFor(t *testing.T) {
	repo := gittest.New(t)
	chain := repo.Chain("", "c", 2)
	tm, ids := setup(t, chain[1], repo)
	driver := changeset.NewDriver(tm, repo.Git, 1)
	ctx := context.Background()

	cs, err := driver.Direct(ctx, ids[chain[1]])
	require.NoError(t, err)
	ready, err := driver.WaitFor(ctx, cs.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangesetStateChangedLines, ready.State)

	// a changeset nobody computes times out
	var pending domain.Changeset
	err = tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		pending = domain.Changeset{RepositoryID: 1, ToCommitID: ids[chain[0]], Type: domain.ChangesetTypeConflicts}
		return tx.ChangesetRepo().Create(ctx, &pending)
	})
	require.NoError(t, err)
	_, err = driver.WaitFor(ctx, pending.ID, 300*time.Millisecond)
	assert.Error(t, err)
}
