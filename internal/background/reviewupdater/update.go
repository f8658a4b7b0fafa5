package reviewupdater

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"critic/internal/changeset"
	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/storage"
)

// outcome is what a review update adds to the review.
type outcome struct {
	output     []string
	changesets []*domain.Changeset
	// rebase is the pending rebase with its results filled in, if there was one.
	rebase *domain.ReviewRebase
}

// apply computes the review update and records it in one transaction.
func (s *Service) apply(ctx context.Context, j *job) error {
	driver := changeset.NewDriver(s.tm, j.git, j.repository.ID)

	var out *outcome
	var err error
	if j.rebase != nil {
		out, err = s.handleRebase(ctx, j, driver)
	} else {
		out, err = s.handleCommits(ctx, j, driver)
	}
	if err != nil {
		return err
	}
	return s.record(ctx, j, out)
}

// handleCommits makes sure the direct changeset of every new commit is ready.
func (s *Service) handleCommits(ctx context.Context, j *job, driver *changeset.Driver) (*outcome, error) {
	if len(j.branchUp.Disassociated) > 0 {
		return nil, fmt.Errorf("branch update %d disassociates %d commits without a prepared rebase",
			j.branchUp.ID, len(j.branchUp.Disassociated))
	}

	out := &outcome{}
	for _, commitID := range j.branchUp.Associated {
		requested, err := driver.Direct(ctx, commitID)
		if err != nil {
			return nil, err
		}
		ready, err := driver.WaitFor(ctx, requested.ID, s.changesetWait)
		if err != nil {
			return nil, err
		}
		out.changesets = append(out.changesets, ready)
	}

	if len(j.branchUp.Associated) > 1 {
		if _, err := driver.EnqueueCustom(ctx, j.branchUp.Associated); err != nil {
			log.Debug().
				Err(err).
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "reviewupdater").
				Msg("no combined changeset for the new commits")
		}
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, j *job, out *outcome) error {
	return s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		reviews := tx.ReviewRepo()

		before, err := reviews.AssignedReviewers(ctx, j.review.ID)
		if err != nil {
			return err
		}

		if err := reviews.CreateUpdate(ctx, j.review.ID, j.branchUp.ID, j.update.UpdaterID); err != nil {
			return err
		}
		if out.rebase != nil {
			out.rebase.BranchUpdateID = &j.branchUp.ID
			if err := reviews.FinishRebase(ctx, out.rebase); err != nil {
				return err
			}
		}

		ids := make([]int64, 0, len(out.changesets))
		for _, cs := range out.changesets {
			ids = append(ids, cs.ID)
		}
		if err := reviews.AddChangesets(ctx, j.review.ID, j.branchUp.ID, ids); err != nil {
			return err
		}

		if err := s.assignReviewers(ctx, tx, j, out.changesets); err != nil {
			return err
		}
		after, err := reviews.AssignedReviewers(ctx, j.review.ID)
		if err != nil {
			return err
		}
		reviewers, err := s.newReviewers(ctx, tx, before, after)
		if err != nil {
			return err
		}

		addressed, err := s.addressIssues(ctx, tx, j, out.changesets)
		if err != nil {
			return err
		}

		output := append([]string{fmt.Sprintf("Updated review:\n  %s", s.urls.Review(j.review.ID))}, out.output...)
		output = append(output, reviewers, addressed)

		pending := tx.PendingRefUpdateRepo()
		for _, text := range output {
			if text == "" {
				continue
			}
			if err := pending.AddOutput(ctx, j.update.ID, text, false); err != nil {
				return err
			}
		}
		return pending.Transition(ctx, j.update.ID, domain.PendingRefUpdateProcessed, domain.PendingRefUpdateFinished)
	})
}

// assignReviewers assigns the changed files to the users whose reviewer filters cover them.
// Owners do not review their own review.
func (s *Service) assignReviewers(ctx context.Context, tx storage.Tx, j *job, changesets []*domain.Changeset) error {
	filters, err := tx.ReviewRepo().ReviewerFilters(ctx, j.repository.ID)
	if err != nil {
		return err
	}
	owners := make(map[int64]bool, len(j.review.Owners))
	for _, owner := range j.review.Owners {
		owners[owner] = true
	}

	for _, cs := range changesets {
		if cs.Type == domain.ChangesetTypeConflicts {
			continue
		}
		byUser := make(map[int64][]string)
		for _, filter := range filters {
			if owners[filter.UserID] {
				continue
			}
			for _, file := range cs.Files {
				if filter.Matches(file.Path) {
					byUser[filter.UserID] = append(byUser[filter.UserID], file.Path)
				}
			}
		}
		for userID, paths := range byUser {
			if err := tx.ReviewRepo().AssignFiles(ctx, j.review.ID, cs.ID, userID, paths); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) newReviewers(ctx context.Context, tx storage.Tx, before, after []int64) (string, error) {
	known := make(map[int64]bool, len(before))
	for _, id := range before {
		known[id] = true
	}
	var names []string
	for _, id := range after {
		if known[id] {
			continue
		}
		user, err := tx.UserRepo().GetByID(ctx, id)
		if err != nil {
			return "", err
		}
		names = append(names, fmt.Sprintf("%s <%s>", user.Fullname, user.Email))
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return "New reviewers assigned:\n  " + strings.Join(names, "\n  "), nil
}

// addressIssues marks open issues on files the update modified as addressed. Unpublished issues
// of other users are left alone.
func (s *Service) addressIssues(ctx context.Context, tx storage.Tx, j *job, changesets []*domain.Changeset) (string, error) {
	modified := make(map[string]bool)
	for _, cs := range changesets {
		if cs.Type == domain.ChangesetTypeConflicts {
			continue
		}
		for _, file := range cs.Files {
			modified[file.Path] = true
		}
	}
	if len(modified) == 0 {
		return "", nil
	}

	issues, err := tx.ReviewRepo().OpenIssues(ctx, j.review.ID, j.update.UpdaterID)
	if err != nil {
		return "", err
	}
	var ids []int64
	var links []string
	for _, issue := range issues {
		if issue.Path != "" && modified[issue.Path] {
			ids = append(ids, issue.ID)
			links = append(links, s.urls.Comment(j.review.ID, issue.ID))
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	if err := tx.ReviewRepo().MarkAddressed(ctx, ids, j.branchUp.ID); err != nil {
		return "", err
	}
	return "Issues addressed by this update:\n  " + strings.Join(links, "\n  "), nil
}
