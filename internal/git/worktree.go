package git

import (
	"context"
	"os"
	"strings"
)

// Worktree is a scratch checkout linked to a repository.
type Worktree struct {
	repo *Repository
	Path string
}

// AddWorktree checks out commit (detached) in a new linked worktree at path.
func (r *Repository) AddWorktree(ctx context.Context, path, commit string) (*Worktree, error) {
	if _, err := r.run(ctx, runOptions{}, "worktree", "add", "--detach", path, commit); err != nil {
		return nil, err
	}
	return &Worktree{repo: r, Path: path}, nil
}

// PruneWorktrees forgets worktrees whose directories are gone.
func (r *Repository) PruneWorktrees(ctx context.Context) error {
	_, err := r.run(ctx, runOptions{}, "worktree", "prune")
	return err
}

// Remove deletes the worktree directory and prunes its administrative files.
func (w *Worktree) Remove(ctx context.Context) error {
	if _, err := w.repo.run(ctx, runOptions{}, "worktree", "remove", "--force", w.Path); err != nil {
		if rmErr := os.RemoveAll(w.Path); rmErr != nil {
			return rmErr
		}
	}
	return w.repo.PruneWorktrees(ctx)
}

func (w *Worktree) run(ctx context.Context, identity Identity, stdin string, args ...string) error {
	env := append(identity.env("GIT_AUTHOR"), identity.env("GIT_COMMITTER")...)
	opts := runOptions{dir: w.Path, env: env}
	if stdin != "" {
		opts.stdin = strings.NewReader(stdin)
	}
	_, err := w.repo.run(ctx, opts, args...)
	return err
}

// Merge merges others into the checked out commit. A merge that stops on conflicts is reported
// through conflicted with a nil error; the worktree is then left with the conflicts in place.
func (w *Worktree) Merge(ctx context.Context, message string, others []string, identity Identity) (conflicted bool, err error) {
	args := append([]string{"merge", "--no-ff", "--no-edit", "--no-verify", "-m", message}, others...)
	return w.conflicting(ctx, w.run(ctx, identity, "", args...))
}

// CherryPick applies commit on top of the checked out commit, with the same conflict reporting as Merge.
func (w *Worktree) CherryPick(ctx context.Context, commit string, identity Identity) (conflicted bool, err error) {
	return w.conflicting(ctx, w.run(ctx, identity, "", "cherry-pick", "--allow-empty", "--keep-redundant-commits", commit))
}

func (w *Worktree) conflicting(ctx context.Context, runErr error) (bool, error) {
	if runErr == nil {
		return false, nil
	}
	unmerged, err := w.UnmergedPaths(ctx)
	if err != nil {
		return false, err
	}
	if len(unmerged) == 0 {
		return false, runErr
	}
	return true, nil
}

// UnmergedPaths lists the paths git status reports as unmerged.
func (w *Worktree) UnmergedPaths(ctx context.Context) ([]string, error) {
	out, err := w.repo.run(ctx, runOptions{dir: w.Path}, "status", "--porcelain=v2", "-z", "-uno")
	if err != nil {
		return nil, err
	}
	return parseUnmerged(string(out)), nil
}

func parseUnmerged(out string) []string {
	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		switch {
		case strings.HasPrefix(entry, "2 "):
			// Renamed entries are followed by their original path.
			i++
		case strings.HasPrefix(entry, "u "):
			fields := strings.SplitN(entry, " ", 11)
			if len(fields) == 11 {
				paths = append(paths, fields[10])
			}
		}
	}
	return paths
}

// CommitAll commits every tracked change, conflict markers included.
func (w *Worktree) CommitAll(ctx context.Context, message string, identity Identity) error {
	return w.run(ctx, identity, message, "commit", "--all", "--no-verify", "--allow-empty", "--file=-")
}

// Head returns the commit checked out in the worktree.
func (w *Worktree) Head(ctx context.Context) (string, error) {
	out, err := w.repo.run(ctx, runOptions{dir: w.Path}, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
