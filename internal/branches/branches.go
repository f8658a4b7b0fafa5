// Package branches keeps the branches table in step with the refs under refs/heads/.
package branches

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
)

var (
	ErrBranchExists = errors.New("branch already exists")
	// ErrNotIngested means a commit that should have been inserted already is missing.
	ErrNotIngested = errors.New("commit not in database")
)

// Env is the repository a branch operation works on.
type Env struct {
	Repository *domain.Repository
	Git        *git.Repository
	URLs       domain.URLs
}

type CreateOptions struct {
	Updater            *domain.User
	PendingRefUpdateID *int64
	// IsCreatingReview makes the branch a review branch and leaves out the create-review hint.
	IsCreatingReview bool
	// PerformUpdate creates the ref once the transaction has committed.
	PerformUpdate bool
}

type UpdateOptions struct {
	Updater            *domain.User
	PendingRefUpdateID *int64
	IsUpdatingReview   bool
	// ForceAssociate are commits to associate even though the base branch has them.
	ForceAssociate []int64
	// PerformUpdate moves the ref once the transaction has committed.
	PerformUpdate bool
}

// Created is the result of CreateBranch.
type Created struct {
	Branch *domain.Branch
	Base   *domain.Branch
	Update *domain.BranchUpdate
	Output string
}

// CreateBranch stores a branch named name at tip with the commits the base branch search assigns
// to it, and records the creation as its first branch update. An archived branch of the same name
// whose head is tip is resurrected instead.
func CreateBranch(ctx context.Context, tx storage.Tx, env Env, name, tipSHA1 string, opts CreateOptions) (*Created, error) {
	existing, err := tx.BranchRepo().GetByName(ctx, env.Repository.ID, name)
	switch {
	case err == nil && existing.IsArchived && existing.HeadSHA1 == tipSHA1:
		return resurrect(ctx, tx, env, existing, opts)
	case err == nil:
		return nil, fmt.Errorf("%s: %w", name, ErrBranchExists)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	tip, err := tx.CommitRepo().GetBySHA1(ctx, tipSHA1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tipSHA1, ErrNotIngested)
	}

	base, err := FindBaseBranch(ctx, tx, env, tipSHA1, nil)
	if err != nil {
		return nil, err
	}

	branch := &domain.Branch{
		RepositoryID: env.Repository.ID,
		Name:         name,
		HeadID:       tip.ID,
		HeadSHA1:     tipSHA1,
		BaseBranchID: base.BranchID,
		Type:         domain.BranchTypeNormal,
		Size:         len(base.Commits),
	}
	if opts.IsCreatingReview {
		branch.Type = domain.BranchTypeReview
	}
	if err := tx.BranchRepo().Create(ctx, branch); err != nil {
		return nil, err
	}
	if err := tx.BranchRepo().Associate(ctx, branch.ID, base.Commits); err != nil {
		return nil, err
	}

	created := &Created{Branch: branch}
	if base.BranchID != nil {
		if created.Base, err = tx.BranchRepo().GetByID(ctx, *base.BranchID); err != nil {
			return nil, err
		}
	}
	created.Output = createOutput(env, created, opts.IsCreatingReview)

	created.Update = &domain.BranchUpdate{
		BranchID:           branch.ID,
		UpdaterID:          opts.Updater.UserID(),
		ToHeadID:           tip.ID,
		Output:             created.Output,
		PendingRefUpdateID: opts.PendingRefUpdateID,
		Associated:         base.Commits,
	}
	if err := tx.BranchUpdateRepo().Create(ctx, created.Update); err != nil {
		return nil, err
	}

	if opts.PerformUpdate {
		scheduleRefUpdate(ctx, tx, env, branch.Ref(), tipSHA1, domain.ZeroSHA1)
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branches").
		Str("branch", name).
		Int("commits", len(base.Commits)).
		Msg("created branch")
	metrics.BranchUpdatesTotal.WithLabelValues("create", "success").Inc()

	return created, nil
}

func createOutput(env Env, created *Created, isCreatingReview bool) string {
	var b strings.Builder
	commits := pluralCommits(created.Branch.Size)
	if created.Base != nil {
		fmt.Fprintf(&b, "Branch created based on '%s', with %s:\n", created.Base.Name, commits)
	} else {
		fmt.Fprintf(&b, "Branch created with %s:\n", commits)
	}
	fmt.Fprintf(&b, "  %s", env.URLs.Branch(env.Repository.Name, created.Branch.Name))
	if !isCreatingReview {
		b.WriteString("\nTo create a review of all the commits on the branch:\n")
		fmt.Fprintf(&b, "  %s", env.URLs.CreateReview(env.Repository.Name, created.Branch.Name))
	}
	return b.String()
}

func resurrect(ctx context.Context, tx storage.Tx, env Env, branch *domain.Branch, opts CreateOptions) (*Created, error) {
	branch.IsArchived = false
	if err := tx.BranchRepo().Update(ctx, branch); err != nil {
		return nil, err
	}
	created := &Created{
		Branch: branch,
		Output: fmt.Sprintf("Resurrected archived branch:\n  %s", env.URLs.Branch(env.Repository.Name, branch.Name)),
	}
	created.Update = &domain.BranchUpdate{
		BranchID:           branch.ID,
		UpdaterID:          opts.Updater.UserID(),
		FromHeadID:         &branch.HeadID,
		ToHeadID:           branch.HeadID,
		FromBaseBranchID:   branch.BaseBranchID,
		Output:             created.Output,
		PendingRefUpdateID: opts.PendingRefUpdateID,
	}
	if err := tx.BranchUpdateRepo().Create(ctx, created.Update); err != nil {
		return nil, err
	}
	if opts.PerformUpdate {
		scheduleRefUpdate(ctx, tx, env, branch.Ref(), branch.HeadSHA1, domain.ZeroSHA1)
	}
	metrics.BranchUpdatesTotal.WithLabelValues("resurrect", "success").Inc()
	return created, nil
}

// Updated is the result of UpdateBranch.
type Updated struct {
	Branch *domain.Branch
	Update *domain.BranchUpdate
	Output string
}

// UpdateBranch moves branch from fromSHA1 to toSHA1 and records which commits were associated
// with and disassociated from it.
func UpdateBranch(ctx context.Context, tx storage.Tx, env Env, branch *domain.Branch, fromSHA1, toSHA1 string, opts UpdateOptions) (*Updated, error) {
	to, err := tx.CommitRepo().GetBySHA1(ctx, toSHA1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", toSHA1, ErrNotIngested)
	}
	fromID, fromBase := branch.HeadID, branch.BaseBranchID

	var associated, disassociated []int64
	if branch.BaseBranchID == nil && branch.Type == domain.BranchTypeNormal {
		// baseless branches can be huge; never materialize their commit sets
		if associated, err = commitIDs(ctx, tx, env, []string{toSHA1}, []string{fromSHA1}); err != nil {
			return nil, err
		}
		if disassociated, err = commitIDs(ctx, tx, env, []string{fromSHA1}, []string{toSHA1}); err != nil {
			return nil, err
		}
		branch.Size += len(associated) - len(disassociated)
	} else {
		current, err := tx.BranchRepo().CommitIDs(ctx, branch.ID)
		if err != nil {
			return nil, err
		}
		next, err := nextCommits(ctx, tx, env, branch, current, fromSHA1, toSHA1, opts.ForceAssociate)
		if err != nil {
			return nil, err
		}
		associated, disassociated = difference(next, current), difference(current, next)
		branch.Size = len(next)
	}

	branch.HeadID = to.ID
	branch.HeadSHA1 = toSHA1
	if err := tx.BranchRepo().Update(ctx, branch); err != nil {
		return nil, err
	}
	if err := tx.BranchRepo().Disassociate(ctx, branch.ID, disassociated); err != nil {
		return nil, err
	}
	if err := tx.BranchRepo().Associate(ctx, branch.ID, associated); err != nil {
		return nil, err
	}

	updated := &Updated{Branch: branch, Output: updateOutput(len(associated), len(disassociated))}
	updated.Update = &domain.BranchUpdate{
		BranchID:           branch.ID,
		UpdaterID:          opts.Updater.UserID(),
		FromHeadID:         &fromID,
		ToHeadID:           to.ID,
		FromBaseBranchID:   fromBase,
		Output:             updated.Output,
		PendingRefUpdateID: opts.PendingRefUpdateID,
		Associated:         associated,
		Disassociated:      disassociated,
	}
	if err := tx.BranchUpdateRepo().Create(ctx, updated.Update); err != nil {
		return nil, err
	}

	if opts.PerformUpdate {
		scheduleRefUpdate(ctx, tx, env, branch.Ref(), toSHA1, fromSHA1)
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branches").
		Str("branch", branch.Name).
		Int("associated", len(associated)).
		Int("disassociated", len(disassociated)).
		Msg("updated branch")
	metrics.BranchUpdatesTotal.WithLabelValues("update", "success").Inc()

	return updated, nil
}

// nextCommits computes the commit set of a branch with a base branch (or a review branch) after
// its head moves from fromSHA1 to toSHA1.
func nextCommits(ctx context.Context, tx storage.Tx, env Env, branch *domain.Branch, current []int64, fromSHA1, toSHA1 string, force []int64) ([]int64, error) {
	var limits []string
	if branch.BaseBranchID != nil {
		base, err := tx.BranchRepo().GetByID(ctx, *branch.BaseBranchID)
		if err != nil {
			return nil, err
		}
		limits = append(limits, base.HeadSHA1)
	}

	isFF, err := env.Git.IsAncestor(ctx, fromSHA1, toSHA1)
	if err != nil {
		return nil, err
	}
	if isFF {
		added, err := commitIDs(ctx, tx, env, []string{toSHA1}, append([]string{fromSHA1}, limits...))
		if err != nil {
			return nil, err
		}
		return union(current, added, force), nil
	}

	mergeBase, err := env.Git.MergeBase(ctx, fromSHA1, toSHA1)
	if err != nil {
		return nil, err
	}
	if mergeBase != "" {
		mergeBaseCommit, err := tx.CommitRepo().GetBySHA1(ctx, mergeBase)
		if err != nil {
			return nil, err
		}
		if contains(current, mergeBaseCommit.ID) {
			dropped, err := commitIDs(ctx, tx, env, []string{fromSHA1}, []string{mergeBase})
			if err != nil {
				return nil, err
			}
			added, err := commitIDs(ctx, tx, env, []string{toSHA1}, append([]string{mergeBase}, limits...))
			if err != nil {
				return nil, err
			}
			return union(difference(current, dropped), added, force), nil
		}
	}

	// the new head left the old commit set entirely; search for the base again
	base, err := FindBaseBranch(ctx, tx, env, toSHA1, []int64{branch.ID})
	if err != nil {
		return nil, err
	}
	if branch.BaseBranchID != nil {
		branch.BaseBranchID = base.BranchID
	}
	return union(base.Commits, force), nil
}

func updateOutput(associated, disassociated int) string {
	var lines []string
	if associated > 0 {
		lines = append(lines, fmt.Sprintf("Associated %d new %s to the branch.", associated, commitNoun(associated)))
	}
	if disassociated > 0 {
		lines = append(lines, fmt.Sprintf("Disassociated %d old %s from the branch.", disassociated, commitNoun(disassociated)))
	}
	return strings.Join(lines, "\n")
}

// DeleteBranch removes the branch with its commit associations and branch updates.
func DeleteBranch(ctx context.Context, tx storage.Tx, env Env, branch *domain.Branch, performUpdate bool) error {
	if err := tx.BranchRepo().Delete(ctx, branch.ID); err != nil {
		return err
	}
	if performUpdate {
		ref, head := branch.Ref(), branch.HeadSHA1
		tx.AfterCommit(func() {
			if err := env.Git.DeleteRef(context.WithoutCancel(ctx), ref, head); err != nil {
				log.Error().
					Err(err).
					Str("session_id", logger.GetSessionID(ctx)).
					Str("layer", "branches").
					Str("ref", ref).
					Msg("failed to delete ref after commit")
			}
		})
	}
	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branches").
		Str("branch", branch.Name).
		Msg("deleted branch")
	metrics.BranchUpdatesTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func scheduleRefUpdate(ctx context.Context, tx storage.Tx, env Env, ref, newSHA1, oldSHA1 string) {
	tx.AfterCommit(func() {
		if err := env.Git.UpdateRef(context.WithoutCancel(ctx), ref, newSHA1, oldSHA1); err != nil {
			log.Error().
				Err(err).
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "branches").
				Str("ref", ref).
				Msg("failed to update ref after commit")
		}
	})
}

// commitIDs maps the commits reachable from include but not from exclude onto their ids.
func commitIDs(ctx context.Context, tx storage.Tx, env Env, include, exclude []string) ([]int64, error) {
	var cleaned []string
	for _, sha1 := range exclude {
		if sha1 != "" && sha1 != domain.ZeroSHA1 {
			cleaned = append(cleaned, sha1)
		}
	}
	sha1s, err := env.Git.RevList(ctx, include, cleaned)
	if err != nil {
		return nil, err
	}
	ids, err := tx.CommitRepo().ExistingSHA1s(ctx, sha1s)
	if err != nil {
		return nil, err
	}
	result := make([]int64, 0, len(sha1s))
	for _, sha1 := range sha1s {
		id, ok := ids[sha1]
		if !ok {
			return nil, fmt.Errorf("%s: %w", sha1, ErrNotIngested)
		}
		result = append(result, id)
	}
	return result, nil
}

func pluralCommits(n int) string {
	return fmt.Sprintf("%d associated %s", n, commitNoun(n))
}

func commitNoun(n int) string {
	if n == 1 {
		return "commit"
	}
	return "commits"
}

func contains(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// union returns the sorted union of the sets.
func union(sets ...[]int64) []int64 {
	seen := make(map[int64]bool)
	var result []int64
	for _, set := range sets {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// difference returns the sorted elements of a that are not in b.
func difference(a, b []int64) []int64 {
	exclude := make(map[int64]bool, len(b))
	for _, id := range b {
		exclude[id] = true
	}
	var result []int64
	for _, id := range a {
		if !exclude[id] {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
