package reviewupdater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"critic/internal/changeset"
	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/ingest"
	"critic/internal/logger"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

var errReplayPending = errors.New("replay not finished")

// handleRebase processes the update that carries out the review's pending rebase. Any failure is
// reported as a RebaseProcessingFailure.
func (s *Service) handleRebase(ctx context.Context, j *job, driver *changeset.Driver) (*outcome, error) {
	var out *outcome
	var err error
	switch j.rebase.Kind {
	case domain.RebaseKindHistoryRewrite:
		// The tree is unchanged, so there is nothing to review.
		rebase := *j.rebase
		return &outcome{output: []string{"Performed history rewrite."}, rebase: &rebase}, nil
	case domain.RebaseKindMove:
		out, err = s.handleMove(ctx, j, driver)
	default:
		err = fmt.Errorf("review rebase %d has unknown kind %q", j.rebase.ID, j.rebase.Kind)
	}
	var failure *domain.RebaseProcessingFailure
	if err != nil && !errors.As(err, &failure) {
		err = &domain.RebaseProcessingFailure{Traceback: pendingrefs.Traceback(err)}
	}
	return out, err
}

// handleMove replays the move onto the new upstream and diffs the replay against what was pushed.
// When the new upstream descends from the old one, the rebase is equivalent to merging the new
// upstream into the old head, and that merge is what gets replayed.
func (s *Service) handleMove(ctx context.Context, j *job, driver *changeset.Driver) (*outcome, error) {
	rebase := *j.rebase
	if rebase.OldUpstreamID == nil {
		return nil, fmt.Errorf("review rebase %d has no old upstream", rebase.ID)
	}
	if j.branchUp.FromHeadID == nil {
		return nil, fmt.Errorf("branch update %d has no previous head", j.branchUp.ID)
	}

	var newUpstreamID int64
	var sha1s map[int64]string
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		upstreams, err := upstreamsOf(ctx, tx, j.branch.ID)
		if err != nil {
			return err
		}
		if len(upstreams) != 1 {
			return fmt.Errorf("rebased review branch has %d upstream commits, expected one", len(upstreams))
		}
		newUpstreamID = upstreams[0]
		if rebase.NewUpstreamID != nil && *rebase.NewUpstreamID != newUpstreamID {
			return fmt.Errorf("review branch was rebased onto commit %d, not onto the prepared new upstream %d",
				newUpstreamID, *rebase.NewUpstreamID)
		}
		sha1s, err = tx.CommitRepo().SHA1s(ctx, []int64{*rebase.OldUpstreamID, newUpstreamID, *j.branchUp.FromHeadID, j.branchUp.ToHeadID})
		return err
	})
	if err != nil {
		return nil, err
	}
	rebase.NewUpstreamID = &newUpstreamID
	oldUpstream, newUpstream := sha1s[*rebase.OldUpstreamID], sha1s[newUpstreamID]
	oldHead, newHead := sha1s[*j.branchUp.FromHeadID], sha1s[j.branchUp.ToHeadID]

	fastForward, err := j.git.IsAncestor(ctx, oldUpstream, newUpstream)
	if err != nil {
		return nil, err
	}

	var replayID int64
	if fastForward {
		mergeID, err := s.equivalentMerge(ctx, j, oldHead, newHead, newUpstream)
		if err != nil {
			return nil, err
		}
		rebase.EquivalentMergeID = &mergeID
		replayID, err = s.waitForReplay(ctx, func(ctx context.Context, tx storage.Tx, request bool) (*int64, *string, error) {
			replays := tx.ReplayRepo()
			var got *domain.MergeReplayRequest
			var err error
			if request {
				got, err = replays.RequestMerge(ctx, j.repository.ID, mergeID)
			} else {
				got, err = replays.GetMerge(ctx, j.repository.ID, mergeID)
			}
			if err != nil {
				return nil, nil, err
			}
			return got.ReplayID, got.Traceback, nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		replayID, err = s.waitForReplay(ctx, func(ctx context.Context, tx storage.Tx, request bool) (*int64, *string, error) {
			replays := tx.ReplayRepo()
			var got *domain.RebaseReplayRequest
			var err error
			if request {
				got, err = replays.RequestRebase(ctx, rebase.ID, j.branchUp.ID, newUpstreamID)
			} else {
				got, err = replays.GetRebase(ctx, rebase.ID, j.branchUp.ID, newUpstreamID)
			}
			if err != nil {
				return nil, nil, err
			}
			return got.ReplayID, got.Traceback, nil
		})
		if err != nil {
			return nil, err
		}
		rebase.ReplayedRebaseID = &replayID
	}

	out := &outcome{rebase: &rebase}
	conflicts, err := s.compareWithReplay(ctx, j, driver, replayID, out)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "reviewupdater").
		Int64("review_id", j.review.ID).
		Bool("fast_forward", fastForward).
		Int("conflicts", conflicts).
		Msg("replayed move rebase")
	return out, nil
}

// equivalentMerge creates and stores the merge of the new upstream into the old head whose result
// is the new head.
func (s *Service) equivalentMerge(ctx context.Context, j *job, oldHead, newHead, newUpstream string) (int64, error) {
	tree, err := j.git.Tree(ctx, newHead)
	if err != nil {
		return 0, err
	}
	message := fmt.Sprintf("Merge commit '%s' into %s", newUpstream, j.branch.Name)
	identity := git.Identity{Name: s.cfg.SystemUser, Email: s.cfg.SystemEmail}
	merge, err := j.git.CommitTree(ctx, tree, []string{oldHead, newUpstream}, message, identity)
	if err != nil {
		return 0, err
	}
	if err := j.git.KeepAlive(ctx, merge); err != nil {
		return 0, err
	}

	var mergeID int64
	err = s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		result, err := ingest.Commits(ctx, tx, j.git, j.repository.ID, merge)
		if err != nil {
			return err
		}
		mergeID = result.Tip.ID
		return nil
	})
	return mergeID, err
}

type replayLookup func(ctx context.Context, tx storage.Tx, request bool) (replay *int64, traceback *string, err error)

// waitForReplay requests the replay, wakes the replayer and polls with exponential backoff until
// the request has a result. There is no overall timeout.
func (s *Service) waitForReplay(ctx context.Context, lookup replayLookup) (int64, error) {
	var replay *int64
	var traceback *string
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		replay, traceback, err = lookup(ctx, tx, true)
		if err == nil && replay == nil && traceback == nil {
			tx.AfterCommit(wakebus.WakeAfterCommit(ctx, s.bus, wakebus.Replayer))
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.replayPollInitial
	policy.MaxInterval = s.replayPollMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	check := func() error {
		if traceback != nil {
			return backoff.Permanent(&domain.RebaseProcessingFailure{Traceback: *traceback})
		}
		if replay == nil {
			return errReplayPending
		}
		return nil
	}

	err = backoff.Retry(func() error {
		if err := check(); !errors.Is(err, errReplayPending) {
			return err
		}
		err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			replay, traceback, err = lookup(ctx, tx, false)
			return err
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		return check()
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return 0, err
	}
	return *replay, nil
}

// compareWithReplay diffs the pushed head against the replay and reports what the developer did
// beyond what git did automatically. It returns the number of conflicted paths.
func (s *Service) compareWithReplay(ctx context.Context, j *job, driver *changeset.Driver, replayID int64, out *outcome) (int, error) {
	newHeadID := j.branchUp.ToHeadID
	requested, err := driver.Request(ctx, &newHeadID, replayID, domain.ChangesetTypeConflicts)
	if err != nil {
		return 0, err
	}
	cs, err := driver.WaitFor(ctx, requested.ID, s.changesetWait)
	if err != nil {
		return 0, err
	}

	var replaySHA1 string
	err = s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		sha1s, err := tx.CommitRepo().SHA1s(ctx, []int64{replayID})
		replaySHA1 = sha1s[replayID]
		return err
	})
	if err != nil {
		return 0, err
	}
	message, err := j.git.Message(ctx, replaySHA1)
	if err != nil {
		return 0, err
	}

	conflicts := domain.ParseReplayConflicts(message)
	switch {
	case len(conflicts) > 0:
		out.output = append(out.output, "Conflicts detected in:\n  "+strings.Join(conflicts, "\n  "))
		out.changesets = append(out.changesets, cs)
	case len(cs.Files) == 0:
		out.output = append(out.output, "No overlapping changes detected.")
	default:
		out.output = append(out.output, "Overlapping changes detected.")
		out.changesets = append(out.changesets, cs)
	}
	return len(conflicts), nil
}

// upstreamsOf returns the parents of the branch commits that are not branch commits themselves.
func upstreamsOf(ctx context.Context, tx storage.Tx, branchID int64) ([]int64, error) {
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
	seen := make(map[int64]bool)
	var upstreams []int64
	for _, id := range commitIDs {
		for _, parent := range parents[id] {
			if !inBranch[parent] && !seen[parent] {
				seen[parent] = true
				upstreams = append(upstreams, parent)
			}
		}
	}
	return upstreams, nil
}
