package branches_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/branches"
	"critic/internal/domain"
	"critic/internal/git/gittest"
	"critic/internal/ingest"
	"critic/internal/storage"
	"critic/internal/storage/gorm/gormtest"
)

type fixture struct {
	t    *testing.T
	tm   storage.TxManager
	repo *gittest.Repo
	env  branches.Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tm, _ := gormtest.New(t)
	repo := gittest.New(t)
	f := &fixture{
		t:    t,
		tm:   tm,
		repo: repo,
		env: branches.Env{
			Repository: &domain.Repository{Name: "critic", Path: repo.Dir},
			Git:        repo.Git,
			URLs:       domain.URLs{Prefix: "https://critic.example.org"},
		},
	}
	f.do(func(ctx context.Context, tx storage.Tx) error {
		return tx.RepositoryRepo().Create(ctx, f.env.Repository)
	})
	return f
}

func (f *fixture) do(fn func(ctx context.Context, tx storage.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.tm.Do(context.Background(), fn))
}

func (f *fixture) create(name, tip string, opts branches.CreateOptions) *branches.Created {
	f.t.Helper()
	var created *branches.Created
	f.do(func(ctx context.Context, tx storage.Tx) error {
		if _, err := ingest.Commits(ctx, tx, f.env.Git, f.env.Repository.ID, tip); err != nil {
			return err
		}
		var err error
		created, err = branches.CreateBranch(ctx, tx, f.env, name, tip, opts)
		return err
	})
	f.repo.SetRef("refs/heads/"+name, tip)
	return created
}

func (f *fixture) update(name, from, to string) *branches.Updated {
	f.t.Helper()
	var updated *branches.Updated
	f.do(func(ctx context.Context, tx storage.Tx) error {
		if _, err := ingest.Commits(ctx, tx, f.env.Git, f.env.Repository.ID, to); err != nil {
			return err
		}
		branch, err := tx.BranchRepo().GetByName(ctx, f.env.Repository.ID, name)
		if err != nil {
			return err
		}
		updated, err = branches.UpdateBranch(ctx, tx, f.env, branch, from, to, branches.UpdateOptions{})
		return err
	})
	f.repo.SetRef("refs/heads/"+name, to)
	return updated
}

func (f *fixture) branchCommits(name string) []string {
	f.t.Helper()
	var sha1s []string
	f.do(func(ctx context.Context, tx storage.Tx) error {
		branch, err := tx.BranchRepo().GetByName(ctx, f.env.Repository.ID, name)
		if err != nil {
			return err
		}
		ids, err := tx.BranchRepo().CommitIDs(ctx, branch.ID)
		if err != nil {
			return err
		}
		byID, err := tx.CommitRepo().SHA1s(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			sha1s = append(sha1s, byID[id])
		}
		return nil
	})
	return sha1s
}

func TestCreateBranch_Baseless(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 3)

	created := f.create("master", master[2], branches.CreateOptions{})

	assert.Nil(t, created.Base)
	assert.Nil(t, created.Branch.BaseBranchID)
	assert.Equal(t, 3, created.Branch.Size)
	assert.Equal(t, domain.BranchTypeNormal, created.Branch.Type)
	assert.Contains(t, created.Output, "Branch created with 3 associated commits:")
	assert.Contains(t, created.Output, "/createreview?repository=critic&branch=master")
	assert.ElementsMatch(t, master, f.branchCommits("master"))
	assert.Nil(t, created.Update.FromHeadID)
	assert.Len(t, created.Update.Associated, 3)
}

func TestCreateBranch_BasedOnMaster(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.create("master", master[1], branches.CreateOptions{})
	feature := f.repo.Chain(master[1], "f", 3)

	created := f.create("feature", feature[2], branches.CreateOptions{})

	require.NotNil(t, created.Base)
	assert.Equal(t, "master", created.Base.Name)
	assert.Equal(t, 3, created.Branch.Size)
	assert.Equal(t,
		"Branch created based on 'master', with 3 associated commits:\n"+
			"  https://critic.example.org/log?repository=critic&branch=feature\n"+
			"To create a review of all the commits on the branch:\n"+
			"  https://critic.example.org/createreview?repository=critic&branch=feature",
		created.Output)
	assert.ElementsMatch(t, feature, f.branchCommits("feature"))
}

func TestCreateBranch_ReviewOmitsHint(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.create("master", master[0], branches.CreateOptions{})
	topic := f.repo.Chain(master[0], "r", 1)

	created := f.create("r/topic", topic[0], branches.CreateOptions{IsCreatingReview: true})

	assert.Equal(t, domain.BranchTypeReview, created.Branch.Type)
	assert.NotContains(t, created.Output, "createreview")
	assert.Equal(t, []string{topic[0]}, f.branchCommits("r/topic"))
}

func TestCreateBranch_AtExistingHead(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.create("master", master[1], branches.CreateOptions{})

	created := f.create("copy", master[1], branches.CreateOptions{})

	require.NotNil(t, created.Base)
	assert.Equal(t, "master", created.Base.Name)
	assert.Equal(t, []string{master[1]}, f.branchCommits("copy"))
}

func TestCreateBranch_AlreadyExists(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.create("master", master[0], branches.CreateOptions{})

	err := f.tm.Do(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := branches.CreateBranch(ctx, tx, f.env, "master", master[0], branches.CreateOptions{})
		return err
	})
	assert.ErrorIs(t, err, branches.ErrBranchExists)
}

func TestCreateBranch_ResurrectsArchived(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	created := f.create("old", master[0], branches.CreateOptions{})
	f.do(func(ctx context.Context, tx storage.Tx) error {
		created.Branch.IsArchived = true
		return tx.BranchRepo().Update(ctx, created.Branch)
	})

	again := f.create("old", master[0], branches.CreateOptions{})

	assert.Equal(t, created.Branch.ID, again.Branch.ID)
	assert.False(t, again.Branch.IsArchived)
	assert.Contains(t, again.Output, "Resurrected archived branch")
}

func TestUpdateBranch_FastForwardBaseless(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.create("master", master[1], branches.CreateOptions{})
	more := f.repo.Chain(master[1], "n", 2)

	updated := f.update("master", master[1], more[1])

	assert.Equal(t, "Associated 2 new commits to the branch.", updated.Output)
	assert.Len(t, updated.Update.Associated, 2)
	assert.Empty(t, updated.Update.Disassociated)
	assert.Equal(t, 4, updated.Branch.Size)
	assert.ElementsMatch(t, append(master, more...), f.branchCommits("master"))
}

func TestUpdateBranch_RewindBaseless(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 3)
	f.create("master", master[2], branches.CreateOptions{})

	updated := f.update("master", master[2], master[0])

	assert.Equal(t, "Disassociated 2 old commits from the branch.", updated.Output)
	assert.Equal(t, []string{master[0]}, f.branchCommits("master"))
}

func TestUpdateBranch_NonFastForwardWithBase(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.create("master", master[0], branches.CreateOptions{})
	feature := f.repo.Chain(master[0], "f", 2)
	f.create("feature", feature[1], branches.CreateOptions{})

	// rewrite the second commit
	rewritten := f.repo.Chain(feature[0], "g", 1)
	updated := f.update("feature", feature[1], rewritten[0])

	assert.Len(t, updated.Update.Associated, 1)
	assert.Len(t, updated.Update.Disassociated, 1)
	assert.Contains(t, updated.Output, "Associated 1 new commit to the branch.")
	assert.Contains(t, updated.Output, "Disassociated 1 old commit from the branch.")
	assert.ElementsMatch(t, []string{feature[0], rewritten[0]}, f.branchCommits("feature"))
	require.NotNil(t, updated.Branch.BaseBranchID)
}

func TestUpdateBranch_FastForwardSkipsBaseCommits(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.create("master", master[0], branches.CreateOptions{})
	feature := f.repo.Chain(master[0], "f", 1)
	f.create("feature", feature[0], branches.CreateOptions{})

	// master moves on and is merged into the feature branch
	moved := f.repo.Chain(master[0], "n", 1)
	f.update("master", master[0], moved[0])
	merge := f.repo.Commit("merge", map[string]string{"f0.txt": "f 0\n", "m0.txt": "m 0\n", "n0.txt": "n 0\n"}, feature[0], moved[0])
	updated := f.update("feature", feature[0], merge)

	assert.Equal(t, "Associated 1 new commit to the branch.", updated.Output)
	assert.ElementsMatch(t, []string{feature[0], merge}, f.branchCommits("feature"))
}

func TestDeleteBranch(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 1)
	f.create("master", master[0], branches.CreateOptions{})
	feature := f.repo.Chain(master[0], "f", 1)
	f.create("feature", feature[0], branches.CreateOptions{PerformUpdate: true})

	f.do(func(ctx context.Context, tx storage.Tx) error {
		branch, err := tx.BranchRepo().GetByName(ctx, f.env.Repository.ID, "feature")
		require.NoError(t, err)
		return branches.DeleteBranch(ctx, tx, f.env, branch, true)
	})

	f.do(func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.BranchRepo().GetByName(ctx, f.env.Repository.ID, "feature")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	value, err := f.env.Git.CurrentValue(context.Background(), "refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSHA1, value)
}

func TestFindBaseBranch_ExcludesBranch(t *testing.T) {
	f := newFixture(t)
	master := f.repo.Chain("", "m", 2)
	f.create("master", master[1], branches.CreateOptions{})

	f.do(func(ctx context.Context, tx storage.Tx) error {
		branch, err := tx.BranchRepo().GetByName(ctx, f.env.Repository.ID, "master")
		require.NoError(t, err)
		base, err := branches.FindBaseBranch(ctx, tx, f.env, master[1], []int64{branch.ID})
		require.NoError(t, err)
		assert.Nil(t, base.BranchID)
		assert.Len(t, base.Commits, 2)
		return nil
	})
}
