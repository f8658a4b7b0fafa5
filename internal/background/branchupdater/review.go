package branchupdater

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"critic/internal/branches"
	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
)

const (
	settingAutoPublishLimit   = "pushAutoPublishLimit"
	settingAutoPublishPattern = "pushAutoPublishPattern"
)

// createReview creates a review branch and the draft review it backs. The review is owned by the
// pusher, or by nobody when the system user pushed.
func (s *Service) createReview(ctx context.Context, tx storage.Tx, env branches.Env, update *domain.PendingRefUpdate, updater *domain.User, name string) (Result, error) {
	created, err := branches.CreateBranch(ctx, tx, env, name, update.NewSHA1, branches.CreateOptions{
		Updater:            updater,
		PendingRefUpdateID: &update.ID,
		IsCreatingReview:   true,
	})
	if err != nil {
		return Result{}, err
	}

	review := &domain.Review{
		RepositoryID: env.Repository.ID,
		BranchID:     created.Branch.ID,
		State:        domain.ReviewStateDraft,
		ViaPush:      true,
		Owners:       []int64{},
	}
	if updater != nil {
		review.Owners = []int64{updater.ID}
	}
	summary, err := oldestSubject(ctx, tx, env, created)
	if err != nil {
		return Result{}, err
	}
	if summary != "" {
		review.Summary = &summary
	}

	if err := tx.ReviewRepo().Create(ctx, review); err != nil {
		return Result{}, err
	}
	// The commits of a new review are its initial state, not an update to process.
	if err := tx.ReviewRepo().CreateUpdate(ctx, review.ID, created.Update.ID, updater.UserID()); err != nil {
		return Result{}, err
	}

	publish, err := s.autoPublish(ctx, tx, review, created.Branch)
	if err != nil {
		return Result{}, err
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "branchupdater").
		Int64("review_id", review.ID).
		Str("branch", name).
		Str("state", string(review.State)).
		Msg("created review")
	metrics.ReviewUpdatesTotal.WithLabelValues("create", "success").Inc()

	return Result{Output: []string{
		fmt.Sprintf("Review created:\n  %s", s.urls.Review(review.ID)),
		publish,
	}}, nil
}

// oldestSubject returns the subject line of the oldest commit the new review branch has, or ""
// when it has none.
func oldestSubject(ctx context.Context, tx storage.Tx, env branches.Env, created *branches.Created) (string, error) {
	if len(created.Update.Associated) == 0 {
		return "", nil
	}
	sha1s, err := tx.CommitRepo().SHA1s(ctx, created.Update.Associated)
	if err != nil {
		return "", err
	}
	associated := make(map[string]bool, len(sha1s))
	for _, sha1 := range sha1s {
		associated[sha1] = true
	}

	var exclude []string
	if created.Base != nil {
		exclude = append(exclude, created.Base.HeadSHA1)
	}
	history, err := env.Git.RevList(ctx, []string{created.Branch.HeadSHA1}, exclude, "--first-parent", "--reverse")
	if err != nil {
		return "", err
	}
	for _, sha1 := range history {
		if !associated[sha1] {
			continue
		}
		message, err := env.Git.Message(ctx, sha1)
		if err != nil {
			return "", err
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
		return subject, nil
	}
	return "", nil
}

// autoPublish opens a freshly pushed draft review when its owner asked for that, and returns the
// line telling the pusher what was decided.
func (s *Service) autoPublish(ctx context.Context, tx storage.Tx, review *domain.Review, branch *domain.Branch) (string, error) {
	const notPublished = "The review was not published automatically: "

	if review.State != domain.ReviewStateDraft || len(review.Owners) != 1 || review.Summary == nil {
		return notPublished + "it needs a summary and a single owner.", nil
	}
	owner := review.Owners[0]

	limit := 0
	value, ok, err := tx.SettingRepo().Get(ctx, settingAutoPublishLimit, &owner, &review.RepositoryID)
	if err != nil {
		return "", err
	}
	if ok {
		limit, _ = strconv.Atoi(value)
	}
	if limit <= 0 {
		return notPublished + "enable it with the " + settingAutoPublishLimit + " setting.", nil
	}
	if branch.Size > limit {
		return fmt.Sprintf(notPublished+"it has %d commits, more than the limit of %d.", branch.Size, limit), nil
	}

	value, ok, err = tx.SettingRepo().Get(ctx, settingAutoPublishPattern, &owner, &review.RepositoryID)
	if err != nil {
		return "", err
	}
	if ok && value != "" {
		pattern, err := regexp.Compile(value)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "branchupdater").
				Str("pattern", value).
				Msg("ignoring invalid pushAutoPublishPattern setting")
		} else if !pattern.MatchString(branch.Name) {
			return notPublished + "the branch name does not match " + settingAutoPublishPattern + ".", nil
		}
	}

	if err := tx.ReviewRepo().SetState(ctx, review.ID, domain.ReviewStateOpen); err != nil {
		return "", err
	}
	review.State = domain.ReviewStateOpen
	return "The review was published automatically.", nil
}
