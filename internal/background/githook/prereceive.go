package githook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

const maxRefNameLength = 256

var allowedRefPrefixes = []string{
	domain.RefsHeads,
	domain.RefsTags,
	domain.RefsTemporary,
	domain.RefsKeepalive,
	domain.RefsRoots,
}

type refCheck func(ctx context.Context, tx storage.Tx, sess *session, refs []RefUpdate) (*domain.Rejection, error)

// preReceive validates the pushed refs and, if all of them pass, records one preliminary pending
// update per ref before letting git proceed.
func (s *Service) preReceive(ctx context.Context, req Request, out *responder) error {
	var rejection *domain.Rejection
	var class string

	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		sess, err := s.openSession(ctx, tx, req)
		if err != nil {
			return err
		}
		// New objects are only visible through the quarantine environment until the push is accepted.
		sess.git = sess.git.WithEnvironment(req.Environ)

		checks := []struct {
			class string
			check refCheck
		}{
			{"ref_name", s.checkRefNames},
			{"pending_update", s.checkPendingUpdates},
			{"ref_conflict", s.checkCreateConflicts},
			{"root_commit", s.checkRootCommits},
			{"branch", s.checkBranches},
		}
		for _, c := range checks {
			rejection, err = c.check(ctx, tx, sess, req.Refs)
			if err != nil {
				return err
			}
			if !rejection.Empty() {
				class = c.class
				return nil
			}
		}

		repo := tx.PendingRefUpdateRepo()
		for _, ref := range req.Refs {
			update := &domain.PendingRefUpdate{
				RepositoryID: sess.repository.ID,
				Name:         ref.RefName,
				OldSHA1:      ref.OldSHA1,
				NewSHA1:      ref.NewSHA1,
				UpdaterID:    sess.user.UserID(),
				Flags:        sess.flags,
			}
			if err := repo.Create(ctx, update); err != nil {
				return err
			}
		}
		tx.AfterCommit(wakebus.WakeAfterCommit(ctx, s.bus, wakebus.BranchUpdater))
		return nil
	})
	if err != nil {
		return err
	}

	if !rejection.Empty() {
		log.Info().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "githook").
			Str("class", class).
			Int("refs", len(rejection.Refs)).
			Msg("push rejected")
		metrics.RejectedRefsTotal.WithLabelValues(class).Add(float64(len(rejection.Refs)))
		metrics.HookRequestsTotal.WithLabelValues(HookPreReceive, "rejected").Inc()
		_ = out.output(rejection.Error())
		return out.reject()
	}

	metrics.HookRequestsTotal.WithLabelValues(HookPreReceive, "accepted").Inc()
	return out.accept()
}

func (s *Service) checkRefNames(_ context.Context, _ storage.Tx, _ *session, refs []RefUpdate) (*domain.Rejection, error) {
	rejection := &domain.Rejection{}
	for _, ref := range refs {
		if !domain.IsSHA1(ref.OldSHA1) || !domain.IsSHA1(ref.NewSHA1) {
			rejection.Add(ref.RefName, "invalid ref update", "old and new values must be full SHA-1 object ids")
			continue
		}
		if reason := refNameProblem(ref); reason != "" {
			rejection.Add(ref.RefName, "invalid ref name", reason)
		}
	}
	return rejection, nil
}

func refNameProblem(ref RefUpdate) string {
	name := ref.RefName
	if !strings.HasPrefix(name, "refs/") {
		return "ref names must start with refs/"
	}
	if len(name) > maxRefNameLength {
		return fmt.Sprintf("ref names must be at most %d characters long", maxRefNameLength)
	}

	var prefix string
	for _, allowed := range allowedRefPrefixes {
		if strings.HasPrefix(name, allowed) {
			prefix = allowed
			break
		}
	}
	if prefix == "" || len(name) == len(prefix) {
		return "ref names must be under one of " + strings.Join(allowedRefPrefixes, ", ")
	}

	if prefix == domain.RefsTemporary || prefix == domain.RefsKeepalive {
		value := ref.NewSHA1
		if value == domain.ZeroSHA1 {
			value = ref.OldSHA1
		}
		if strings.TrimPrefix(name, prefix) != value {
			return fmt.Sprintf("refs under %s must be named after the commit they point at: %s%s", prefix, prefix, value)
		}
	}
	return ""
}

// checkPendingUpdates rejects refs that still have an update in progress. Finished rows left
// behind by earlier pushes are cleaned up on the way.
func (s *Service) checkPendingUpdates(ctx context.Context, tx storage.Tx, sess *session, refs []RefUpdate) (*domain.Rejection, error) {
	rejection := &domain.Rejection{}
	repo := tx.PendingRefUpdateRepo()
	var leftovers []int64

	for _, ref := range refs {
		rows, err := repo.ListForRef(ctx, sess.repository.ID, ref.RefName)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			switch {
			case !row.State.IsTerminal():
				rejection.Add(ref.RefName, "conflicting update",
					fmt.Sprintf("pending update by %s (%s -> %s, %s)",
						s.userName(ctx, tx, row.UpdaterID), shortSHA1(row.OldSHA1), shortSHA1(row.NewSHA1), row.State))
			case row.State == domain.PendingRefUpdateFinished && !row.Abandoned:
				leftovers = append(leftovers, row.ID)
			}
		}
	}

	if err := repo.Delete(ctx, leftovers); err != nil {
		return nil, err
	}
	return rejection, nil
}

// checkCreateConflicts rejects created refs whose name is a path prefix of an existing ref, or has
// one as its own prefix. Branches are also checked in the database so that archived ones count.
func (s *Service) checkCreateConflicts(ctx context.Context, tx storage.Tx, sess *session, refs []RefUpdate) (*domain.Rejection, error) {
	rejection := &domain.Rejection{}

	var existing map[string]string
	for _, ref := range refs {
		if ref.OldSHA1 != domain.ZeroSHA1 {
			continue
		}
		if existing == nil {
			var err error
			existing, err = sess.git.ListRefs(ctx, "refs/")
			if err != nil {
				return nil, err
			}
		}

		var conflicts []string
		parts := strings.Split(ref.RefName, "/")
		for i := 2; i < len(parts); i++ {
			ancestor := strings.Join(parts[:i], "/")
			if _, ok := existing[ancestor]; ok {
				conflicts = append(conflicts, ancestor)
			}
		}
		for name := range existing {
			if strings.HasPrefix(name, ref.RefName+"/") {
				conflicts = append(conflicts, name)
			}
		}

		if branchName, ok := strings.CutPrefix(ref.RefName, domain.RefsHeads); ok {
			names, err := tx.BranchRepo().ConflictingNames(ctx, sess.repository.ID, branchName)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				if !contains(conflicts, domain.RefsHeads+name) {
					conflicts = append(conflicts, domain.RefsHeads+name)
				}
			}
		}

		if len(conflicts) > 0 {
			rejection.Add(ref.RefName, "conflicting ref name", "conflicts with existing ref(s):\n"+strings.Join(sorted(conflicts), "\n"))
		}
	}
	return rejection, nil
}

// checkRootCommits only lets new root commits in when the repository has none, or when a single
// refs/roots/<sha1> ref introduces exactly that root.
func (s *Service) checkRootCommits(ctx context.Context, _ storage.Tx, sess *session, refs []RefUpdate) (*domain.Rejection, error) {
	rejection := &domain.Rejection{}

	existing, err := sess.git.ListRefs(ctx, "refs/")
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return rejection, nil
	}
	roots, err := sess.git.Roots(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return rejection, nil
	}

	for _, ref := range refs {
		if ref.NewSHA1 == domain.ZeroSHA1 {
			continue
		}
		added, err := sess.git.NewRoots(ctx, []string{ref.NewSHA1})
		if err != nil {
			return nil, err
		}
		if len(added) == 0 {
			continue
		}
		if len(refs) == 1 && ref.RefName == domain.RefsRoots+ref.NewSHA1 && len(added) == 1 && added[0] == ref.NewSHA1 {
			continue
		}
		rejection.Add(ref.RefName, "invalid root commit",
			fmt.Sprintf("the push introduces new root commit(s):\n%s\nPush a new root commit alone as %s<sha1> first.",
				strings.Join(added, "\n"), domain.RefsRoots))
	}
	return rejection, nil
}

func (s *Service) checkBranches(ctx context.Context, tx storage.Tx, sess *session, refs []RefUpdate) (*domain.Rejection, error) {
	rejection := &domain.Rejection{}
	flags, _ := domain.ParseFlags(sess.flags)

	for _, ref := range refs {
		name, ok := strings.CutPrefix(ref.RefName, domain.RefsHeads)
		if !ok {
			continue
		}

		branch, err := tx.BranchRepo().GetByName(ctx, sess.repository.ID, name)
		if errors.Is(err, storage.ErrNotFound) {
			branch = nil
		} else if err != nil {
			return nil, err
		}
		tracked, err := tx.TrackedBranchRepo().GetByLocalName(ctx, sess.repository.ID, name)
		if errors.Is(err, storage.ErrNotFound) {
			tracked = nil
		} else if err != nil {
			return nil, err
		}

		switch {
		case ref.OldSHA1 == domain.ZeroSHA1:
			switch {
			case branch != nil && !branch.IsArchived:
				rejection.Add(ref.RefName, "invalid branch creation", "the branch already exists")
			case branch != nil && branch.HeadSHA1 != ref.NewSHA1:
				rejection.Add(ref.RefName, "invalid branch creation",
					fmt.Sprintf("an archived branch with this name exists; push its head %s to resurrect it", branch.HeadSHA1))
			case s.reviewBranch.MatchString(name) && sess.user == nil:
				rejection.Add(ref.RefName, "invalid branch creation",
					fmt.Sprintf("pushes by the system user (%s) may not submit new reviews", s.cfg.SystemUser))
			}

		case ref.NewSHA1 == domain.ZeroSHA1:
			switch {
			case branch != nil && branch.Type == domain.BranchTypeReview:
				rejection.Add(ref.RefName, "invalid branch deletion", "review branches cannot be deleted")
			case tracked != nil:
				rejection.Add(ref.RefName, "invalid branch deletion",
					fmt.Sprintf("the branch tracks %s in %s", tracked.RemoteName, tracked.Remote))
			}

		default:
			if tracked != nil && !tracked.Disabled && (flags.TrackedBranchID == nil || *flags.TrackedBranchID != tracked.ID) {
				rejection.Add(ref.RefName, "invalid branch update",
					fmt.Sprintf("the branch tracks %s in %s and is updated automatically", tracked.RemoteName, tracked.Remote))
				continue
			}
			if branch == nil {
				continue
			}
			var problem *domain.UpdateRejected
			if branch.Type == domain.BranchTypeReview {
				problem, err = s.validateReviewUpdate(ctx, tx, sess, branch, ref.OldSHA1, ref.NewSHA1)
				if err != nil {
					return nil, err
				}
			} else if branch.HeadSHA1 != ref.OldSHA1 {
				problem = unexpectedState(branch, ref.OldSHA1)
			}
			if problem != nil {
				rejection.Add(ref.RefName, "invalid branch update", problem.Error())
			}
		}
	}
	return rejection, nil
}

func unexpectedState(branch *domain.Branch, oldSHA1 string) *domain.UpdateRejected {
	return domain.NewUpdateRejected("unexpected current state",
		fmt.Sprintf("the branch is recorded at %s, not %s", branch.HeadSHA1, oldSHA1))
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func sorted(values []string) []string {
	sort.Strings(values)
	return values
}

func shortSHA1(sha1 string) string {
	if len(sha1) > 8 {
		return sha1[:8]
	}
	return sha1
}
