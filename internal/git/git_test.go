package git_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/git/gittest"
)

func TestRepository_RefsAndRanges(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()

	base := repo.Chain("", "base", 2)
	feature := repo.Chain(base[1], "feature", 3)
	repo.SetRef("refs/heads/master", base[1])
	repo.SetRef("refs/heads/feature", feature[2])

	head, err := repo.Git.ResolveRef(ctx, "refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, feature[2], head)

	_, err = repo.Git.ResolveRef(ctx, "refs/heads/missing")
	assert.True(t, errors.Is(err, git.ErrRefNotFound))

	current, err := repo.Git.CurrentValue(ctx, "refs/heads/missing")
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroSHA1, current)

	commits, err := repo.Git.Range(ctx, base[1], feature[2])
	require.NoError(t, err)
	assert.Equal(t, []string{feature[2], feature[1], feature[0]}, commits)

	all, err := repo.Git.Range(ctx, domain.ZeroSHA1, feature[2])
	require.NoError(t, err)
	assert.Len(t, all, 5)

	mergeBase, err := repo.Git.MergeBase(ctx, base[1], feature[2])
	require.NoError(t, err)
	assert.Equal(t, base[1], mergeBase)

	isAncestor, err := repo.Git.IsAncestor(ctx, base[0], feature[1])
	require.NoError(t, err)
	assert.True(t, isAncestor)

	isAncestor, err = repo.Git.IsAncestor(ctx, feature[1], base[0])
	require.NoError(t, err)
	assert.False(t, isAncestor)

	refs, err := repo.Git.ListRefs(ctx, "refs/heads/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"refs/heads/master":  base[1],
		"refs/heads/feature": feature[2],
	}, refs)
}

func TestRepository_UpdateAndDeleteRef(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()
	commits := repo.Chain("", "c", 2)

	require.NoError(t, repo.Git.UpdateRef(ctx, "refs/heads/topic", commits[0], domain.ZeroSHA1))
	// Creating it again must fail since it now exists.
	assert.Error(t, repo.Git.UpdateRef(ctx, "refs/heads/topic", commits[1], domain.ZeroSHA1))

	require.NoError(t, repo.Git.UpdateRef(ctx, "refs/heads/topic", commits[1], commits[0]))
	require.NoError(t, repo.Git.KeepAlive(ctx, commits[0]))

	keepalive, err := repo.Git.ResolveRef(ctx, domain.KeepaliveRef(commits[0]))
	require.NoError(t, err)
	assert.Equal(t, commits[0], keepalive)

	require.NoError(t, repo.Git.DeleteRef(ctx, "refs/heads/topic", commits[1]))
	_, err = repo.Git.ResolveRef(ctx, "refs/heads/topic")
	assert.True(t, errors.Is(err, git.ErrRefNotFound))
}

func TestRepository_LogCommits(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()

	root := repo.Commit("root", map[string]string{"a.txt": "a\n"})
	side := repo.Commit("side", map[string]string{"b.txt": "b\n"}, root)
	main := repo.Commit("main", map[string]string{"a.txt": "a2\n"}, root)
	merge := repo.Commit("merge", map[string]string{"a.txt": "a2\n", "b.txt": "b\n"}, main, side)

	infos, err := repo.Git.LogCommits(ctx, []string{merge}, []string{root})
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, merge, infos[0].SHA1)
	assert.Equal(t, []string{main, side}, infos[0].Parents)
	assert.Equal(t, "Test User", infos[0].Author.Fullname)
	assert.Equal(t, "test@example.org", infos[0].Committer.Email)
	assert.False(t, infos[0].CommitTime.IsZero())

	info, err := repo.Git.ReadCommit(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, info.Parents)

	parents, err := repo.Git.Parents(ctx, merge)
	require.NoError(t, err)
	assert.Equal(t, []string{main, side}, parents)

	message, err := repo.Git.Message(ctx, merge)
	require.NoError(t, err)
	assert.Equal(t, "merge", message[:5])
}

func TestRepository_Roots(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()

	roots, err := repo.Git.Roots(ctx)
	require.NoError(t, err)
	assert.Empty(t, roots)

	first := repo.Chain("", "first", 2)
	repo.SetRef("refs/heads/master", first[1])

	second := repo.Chain("", "second", 1)
	newRoots, err := repo.Git.NewRoots(ctx, []string{second[0]})
	require.NoError(t, err)
	assert.Equal(t, []string{second[0]}, newRoots)

	newRoots, err = repo.Git.NewRoots(ctx, []string{repo.Chain(first[1], "more", 1)[0]})
	require.NoError(t, err)
	assert.Empty(t, newRoots)

	roots, err = repo.Git.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first[0]}, roots)
}

func TestRepository_DiffNumstat(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()

	first := repo.Commit("first", map[string]string{"a.txt": "one\ntwo\n"})
	second := repo.Commit("second", map[string]string{"a.txt": "one\nthree\n", "b.txt": "new\n"}, first)

	files, err := repo.Git.DiffNumstat(ctx, first, second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.ChangesetFile{
		{Path: "a.txt", Inserted: 1, Deleted: 1},
		{Path: "b.txt", Inserted: 1, Deleted: 0},
	}, files)

	files, err = repo.Git.DiffNumstat(ctx, "", first)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChangesetFile{{Path: "a.txt", Inserted: 2}}, files)

	files, err = repo.Git.DiffNumstat(ctx, second, second)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWorktree_MergeWithConflicts(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()
	identity := git.Identity{Name: "Critic", Email: "critic@example.org"}

	root := repo.Commit("root", map[string]string{"a.txt": "base\n"})
	ours := repo.Commit("ours", map[string]string{"a.txt": "ours\n"}, root)
	theirs := repo.Commit("theirs", map[string]string{"a.txt": "theirs\n"}, root)

	worktree, err := repo.Git.AddWorktree(ctx, filepath.Join(t.TempDir(), "wt"), ours)
	require.NoError(t, err)
	defer func() { _ = worktree.Remove(ctx) }()

	conflicted, err := worktree.Merge(ctx, "replay", []string{theirs}, identity)
	require.NoError(t, err)
	assert.True(t, conflicted)

	unmerged, err := worktree.UnmergedPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, unmerged)

	require.NoError(t, worktree.CommitAll(ctx, domain.FormatReplayMessage("replay", unmerged), identity))
	head, err := worktree.Head(ctx)
	require.NoError(t, err)

	parents, err := repo.Git.Parents(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, []string{ours, theirs}, parents)

	message, err := repo.Git.Message(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, domain.ParseReplayConflicts(message))
}

func TestWorktree_CleanCherryPick(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()
	identity := git.Identity{Name: "Critic", Email: "critic@example.org"}

	root := repo.Commit("root", map[string]string{"a.txt": "a\n"})
	upstream := repo.Commit("upstream", map[string]string{"a.txt": "a\n", "u.txt": "u\n"}, root)
	change := repo.Commit("change", map[string]string{"a.txt": "a\n", "c.txt": "c\n"}, root)

	worktree, err := repo.Git.AddWorktree(ctx, filepath.Join(t.TempDir(), "wt"), upstream)
	require.NoError(t, err)
	defer func() { _ = worktree.Remove(ctx) }()

	conflicted, err := worktree.CherryPick(ctx, change, identity)
	require.NoError(t, err)
	assert.False(t, conflicted)

	head, err := worktree.Head(ctx)
	require.NoError(t, err)
	files, err := repo.Git.DiffNumstat(ctx, upstream, head)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChangesetFile{{Path: "c.txt", Inserted: 1}}, files)
}

func TestRepository_CommitTree(t *testing.T) {
	repo := gittest.New(t)
	ctx := context.Background()

	first := repo.Commit("first", map[string]string{"a.txt": "a\n"})
	second := repo.Commit("second", map[string]string{"a.txt": "b\n"}, first)

	tree, err := repo.Git.Tree(ctx, second)
	require.NoError(t, err)

	squash, err := repo.Git.CommitTree(ctx, tree, []string{first}, "squash\n", git.Identity{Name: "Critic", Email: "critic@example.org"})
	require.NoError(t, err)

	squashTree, err := repo.Git.Tree(ctx, squash)
	require.NoError(t, err)
	assert.Equal(t, tree, squashTree)

	info, err := repo.Git.ReadCommit(ctx, squash)
	require.NoError(t, err)
	assert.Equal(t, "Critic", info.Author.Fullname)
	assert.Equal(t, []string{first}, info.Parents)
}
