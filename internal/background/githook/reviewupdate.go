package githook

import (
	"context"
	"errors"
	"fmt"

	"critic/internal/domain"
	"critic/internal/storage"
)

// validateReviewUpdate checks an update of a review branch. A nil result means the update may
// proceed; a non-nil one says why not.
func (s *Service) validateReviewUpdate(ctx context.Context, tx storage.Tx, sess *session, branch *domain.Branch, oldSHA1, newSHA1 string) (*domain.UpdateRejected, error) {
	if branch.HeadSHA1 != oldSHA1 {
		return unexpectedState(branch, oldSHA1), nil
	}

	unprocessed, err := tx.ReviewRepo().UnprocessedBranchUpdates(ctx, branch.ID)
	if err != nil {
		return nil, err
	}
	if len(unprocessed) > 0 {
		return domain.NewUpdateRejected("previous update still being processed",
			"wait for the review to be updated and push again"), nil
	}

	review, err := tx.ReviewRepo().GetByBranch(ctx, branch.ID)
	if err != nil {
		return nil, err
	}

	isFastForward, err := sess.git.IsAncestor(ctx, oldSHA1, newSHA1)
	if err != nil {
		return nil, err
	}

	rebase, err := tx.ReviewRepo().PendingRebase(ctx, review.ID)
	if errors.Is(err, storage.ErrNotFound) {
		if !isFastForward {
			return domain.NewUpdateRejected("non-fast-forward update",
				"prepare a rebase of the review before pushing a rewritten branch"), nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if creator := sess.user.UserID(); creator == nil || *creator != rebase.CreatorID {
		return domain.NewUpdateRejected("rebase prepared by another user",
			fmt.Sprintf("only %s may push the prepared rebase", s.userName(ctx, tx, &rebase.CreatorID))), nil
	}
	if isFastForward {
		return domain.NewUpdateRejected("update is fast-forward, not a rebase",
			"cancel the prepared rebase or push the rebased branch"), nil
	}

	switch rebase.Kind {
	case domain.RebaseKindHistoryRewrite:
		return s.validateHistoryRewrite(ctx, sess, oldSHA1, newSHA1)
	case domain.RebaseKindMove:
		return s.validateMove(ctx, tx, sess, branch, rebase, newSHA1)
	default:
		return nil, fmt.Errorf("review rebase %d has unknown kind %q", rebase.ID, rebase.Kind)
	}
}

func (s *Service) validateHistoryRewrite(ctx context.Context, sess *session, oldSHA1, newSHA1 string) (*domain.UpdateRejected, error) {
	oldTree, err := sess.git.Tree(ctx, oldSHA1)
	if err != nil {
		return nil, err
	}
	newTree, err := sess.git.Tree(ctx, newSHA1)
	if err != nil {
		return nil, err
	}
	if oldTree != newTree {
		return domain.NewUpdateRejected("invalid history rewrite",
			"the new head must have the same tree as the current head"), nil
	}
	return nil, nil
}

func (s *Service) validateMove(ctx context.Context, tx storage.Tx, sess *session, branch *domain.Branch, rebase *domain.ReviewRebase, newSHA1 string) (*domain.UpdateRejected, error) {
	if rebase.NewUpstreamID != nil {
		sha1s, err := tx.CommitRepo().SHA1s(ctx, []int64{*rebase.NewUpstreamID})
		if err != nil {
			return nil, err
		}
		upstream := sha1s[*rebase.NewUpstreamID]
		descends, err := sess.git.IsAncestor(ctx, upstream, newSHA1)
		if err != nil {
			return nil, err
		}
		if !descends {
			return domain.NewUpdateRejected("invalid rebase",
				fmt.Sprintf("the new head must be a descendant of the specified new upstream %s", upstream)), nil
		}
		return nil, nil
	}

	if rebase.OldUpstreamID == nil {
		return nil, nil
	}

	// The new upstream is automatic: it is the parent of the new head.
	parents, err := sess.git.Parents(ctx, newSHA1)
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return domain.NewUpdateRejected("invalid rebase", "the new head has no parent to use as new upstream"), nil
	}
	stored, err := tx.CommitRepo().ExistingSHA1s(ctx, parents[:1])
	if err != nil {
		return nil, err
	}
	upstreamID, ok := stored[parents[0]]
	if !ok {
		return nil, nil
	}

	contained, err := tx.BranchRepo().Contained(ctx, branch.ID, []int64{upstreamID})
	if err != nil {
		return nil, err
	}
	if len(contained) > 0 {
		return domain.NewUpdateRejected("invalid rebase",
			fmt.Sprintf("the new upstream %s is a commit of the review", parents[0])), nil
	}

	upstreams, err := currentUpstreams(ctx, tx, branch.ID)
	if err != nil {
		return nil, err
	}
	if upstreams[upstreamID] {
		return domain.NewUpdateRejected("invalid rebase",
			fmt.Sprintf("the new upstream %s is already the upstream of the review", parents[0])), nil
	}
	return nil, nil
}

// currentUpstreams returns the parents of the branch commits that are not branch commits themselves.
func currentUpstreams(ctx context.Context, tx storage.Tx, branchID int64) (map[int64]bool, error) {
	commitIDs, err := tx.BranchRepo().CommitIDs(ctx, branchID)
	if err != nil {
		return nil, err
	}
	parents, err := tx.CommitRepo().Parents(ctx, commitIDs)
	if err != nil {
		return nil, err
	}
	inBranch := make(map[int64]bool, len(commitIDs))
	for _, id := range commitIDs {
		inBranch[id] = true
	}
	upstreams := make(map[int64]bool)
	for _, ps := range parents {
		for _, parent := range ps {
			if !inBranch[parent] {
				upstreams[parent] = true
			}
		}
	}
	return upstreams, nil
}
