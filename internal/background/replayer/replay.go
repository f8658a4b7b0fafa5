package replayer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/ingest"
	"critic/internal/logger"
	"critic/internal/storage"
)

func (s *Service) identity() git.Identity {
	return git.Identity{Name: s.cfg.SystemUser, Email: s.cfg.SystemEmail}
}

// replayMerge merges the other parents of the merge into its first parent, the way its author
// would have started out. The replay is titled with the merge's subject line.
func (s *Service) replayMerge(ctx context.Context, request domain.MergeReplayRequest) (int64, error) {
	ctx = logger.WithSessionID(ctx, fmt.Sprintf("mergereplay-%d-%d", request.RepositoryID, request.MergeID))

	var repository *domain.Repository
	var merge string
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if repository, err = tx.RepositoryRepo().GetByID(ctx, request.RepositoryID); err != nil {
			return err
		}
		sha1s, err := tx.CommitRepo().SHA1s(ctx, []int64{request.MergeID})
		if err != nil {
			return err
		}
		merge = sha1s[request.MergeID]
		return nil
	})
	if err != nil {
		return 0, err
	}
	if merge == "" {
		return 0, fmt.Errorf("merge commit %d: %w", request.MergeID, storage.ErrNotFound)
	}

	repo := git.NewRepository(s.cfg.GitBinary, repository.Path)
	parents, err := repo.Parents(ctx, merge)
	if err != nil {
		return 0, err
	}
	if len(parents) < 2 {
		return 0, fmt.Errorf("commit %s is not a merge", merge)
	}
	message, err := repo.Message(ctx, merge)
	if err != nil {
		return 0, err
	}
	// Only the subject is carried over; the body may hold a conflicts section of its own.
	summary, _, _ := strings.Cut(strings.TrimSpace(message), "\n")

	return s.replay(ctx, repo, repository.ID, parents[0], summary, func(wt *git.Worktree) (bool, error) {
		return wt.Merge(ctx, summary, parents[1:], s.identity())
	})
}

// replayRebase squashes the review's changes before the rebase onto the old upstream and
// cherry-picks the squash onto the new upstream.
func (s *Service) replayRebase(ctx context.Context, request domain.RebaseReplayRequest) (int64, error) {
	ctx = logger.WithSessionID(ctx, fmt.Sprintf("rebasereplay-%d-%d", request.RebaseID, request.BranchUpdateID))

	var repository *domain.Repository
	var oldUpstream, oldHead, newUpstream string
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		rebase, err := tx.ReviewRepo().GetRebase(ctx, request.RebaseID)
		if err != nil {
			return err
		}
		if rebase.OldUpstreamID == nil {
			return fmt.Errorf("review rebase %d has no old upstream", rebase.ID)
		}
		review, err := tx.ReviewRepo().GetByID(ctx, rebase.ReviewID)
		if err != nil {
			return err
		}
		if repository, err = tx.RepositoryRepo().GetByID(ctx, review.RepositoryID); err != nil {
			return err
		}
		update, err := tx.BranchUpdateRepo().GetByID(ctx, request.BranchUpdateID)
		if err != nil {
			return err
		}
		if update.FromHeadID == nil {
			return errors.New("rebased branch update has no previous head")
		}

		ids := []int64{*rebase.OldUpstreamID, *update.FromHeadID, request.NewUpstreamID}
		sha1s, err := tx.CommitRepo().SHA1s(ctx, ids)
		if err != nil {
			return err
		}
		oldUpstream, oldHead, newUpstream = sha1s[ids[0]], sha1s[ids[1]], sha1s[ids[2]]
		return nil
	})
	if err != nil {
		return 0, err
	}

	repo := git.NewRepository(s.cfg.GitBinary, repository.Path)
	tree, err := repo.Tree(ctx, oldHead)
	if err != nil {
		return 0, err
	}
	summary := fmt.Sprintf("Rebase of %s onto %s", oldHead, newUpstream)
	squash, err := repo.CommitTree(ctx, tree, []string{oldUpstream}, summary, s.identity())
	if err != nil {
		return 0, err
	}

	return s.replay(ctx, repo, repository.ID, newUpstream, summary, func(wt *git.Worktree) (bool, error) {
		return wt.CherryPick(ctx, squash, s.identity())
	})
}

// replay runs apply in a scratch worktree checked out at base. A conflicted result is committed
// with its unmerged paths listed in the message. The replay commit is pinned by a keepalive ref
// and stored; its id is returned.
func (s *Service) replay(ctx context.Context, repo *git.Repository, repositoryID int64, base, summary string, apply func(*git.Worktree) (bool, error)) (int64, error) {
	dir := s.cfg.WorktreesDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, err
	}
	wt, err := repo.AddWorktree(ctx, filepath.Join(dir, uuid.NewString()), base)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := wt.Remove(context.WithoutCancel(ctx)); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "replayer").
				Str("worktree", wt.Path).
				Msg("failed to remove worktree")
		}
	}()

	conflicted, err := apply(wt)
	if err != nil {
		return 0, err
	}
	if conflicted {
		paths, err := wt.UnmergedPaths(ctx)
		if err != nil {
			return 0, err
		}
		if err := wt.CommitAll(ctx, domain.FormatReplayMessage(summary, paths), s.identity()); err != nil {
			return 0, err
		}
	}

	head, err := wt.Head(ctx)
	if err != nil {
		return 0, err
	}
	if err := repo.KeepAlive(ctx, head); err != nil {
		return 0, err
	}

	var replayID int64
	err = s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		result, err := ingest.Commits(ctx, tx, repo, repositoryID, head)
		if err != nil {
			return err
		}
		replayID = result.Tip.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "replayer").
		Str("base", base).
		Str("replay", head).
		Bool("conflicted", conflicted).
		Msg("replayed")
	return replayID, nil
}
