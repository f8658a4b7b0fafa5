package githook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/pendingrefs"
	"critic/internal/storage"
	"critic/internal/wakebus"
)

const (
	waitingNote     = "Waiting for Critic to process the update. It is safe to interrupt (ctrl-c); the update will be processed in the background."
	timedOutMessage = "Timed out waiting for Critic to process the update!\nThe update will continue in the background."
)

// watched is one pending update a post-receive handler streams output for.
type watched struct {
	update *domain.PendingRefUpdate
	// outputSeen is the id of the last output already sent to the client.
	outputSeen int64
	done       bool
}

// postReceive streams the progress of the pushed updates back to the client until they are all
// processed or the timeout passes, and rewinds the refs whose processing failed.
func (s *Service) postReceive(ctx context.Context, req Request, out *responder) error {
	start := time.Now()
	defer func() {
		metrics.PostReceiveDuration.Observe(time.Since(start).Seconds())
	}()

	var sess *session
	var updates []*watched
	var timeout time.Duration
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		sess, err = s.openSession(ctx, tx, req)
		if err != nil {
			return err
		}
		for _, ref := range req.Refs {
			update, err := tx.PendingRefUpdateRepo().Lookup(ctx, sess.repository.ID, ref.RefName, ref.OldSHA1, ref.NewSHA1, sess.user.UserID())
			if errors.Is(err, storage.ErrNotFound) {
				log.Warn().
					Str("session_id", logger.GetSessionID(ctx)).
					Str("layer", "githook").
					Str("ref", ref.RefName).
					Msg("no pending update for pushed ref")
				continue
			}
			if err != nil {
				return err
			}
			updates = append(updates, &watched{update: update})
		}
		timeout, err = s.postReceiveTimeout(ctx, tx, sess)
		return err
	})
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		metrics.HookRequestsTotal.WithLabelValues(HookPostReceive, "finished").Inc()
		return out.close()
	}

	if err := s.bus.Wake(ctx, wakebus.BranchUpdater); err != nil {
		log.Warn().Err(err).Str("session_id", logger.GetSessionID(ctx)).Str("layer", "githook").Msg("failed to wake branch updater")
	}

	prefixed := len(req.Refs) > 1
	deadline := start.Add(timeout)
	lastOutput := time.Now()
	noted := false

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = s.pollCap
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		lines, pending, err := s.poll(ctx, sess, updates, prefixed)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			lastOutput = time.Now()
			if err := out.output(strings.Join(lines, "\n")); err != nil {
				// The client is gone; the updates are no longer watched.
				ctx := context.WithoutCancel(ctx)
				if err := s.finish(ctx, sess, updates, out); err != nil {
					return err
				}
				return s.abandon(ctx, updates)
			}
		}
		if pending == 0 {
			break
		}

		now := time.Now()
		if !noted && now.Sub(lastOutput) >= s.waitingNoteAfter {
			noted = true
			_ = out.output(waitingNote)
		}
		if !now.Before(deadline) {
			if err := s.finish(ctx, sess, updates, out); err != nil {
				return err
			}
			if err := s.abandon(ctx, updates); err != nil {
				return err
			}
			metrics.HookRequestsTotal.WithLabelValues(HookPostReceive, "timeout").Inc()
			_ = out.output(timedOutMessage)
			return out.close()
		}

		wait := policy.NextBackOff()
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.finish(ctx, sess, updates, out); err != nil {
		return err
	}
	metrics.HookRequestsTotal.WithLabelValues(HookPostReceive, "finished").Inc()
	return out.close()
}

func (s *Service) postReceiveTimeout(ctx context.Context, tx storage.Tx, sess *session) (time.Duration, error) {
	value, ok, err := tx.SettingRepo().Get(ctx, "postReceiveTimeout", sess.user.UserID(), &sess.repository.ID)
	if err != nil || !ok {
		return s.cfg.PostReceiveTimeout, err
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		log.Warn().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "githook").
			Str("value", value).
			Msg("ignoring invalid postReceiveTimeout setting")
		return s.cfg.PostReceiveTimeout, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// poll reads new output of the watched updates and notes which of them have concluded. It
// returns the lines to send and the number of updates still in progress.
func (s *Service) poll(ctx context.Context, sess *session, updates []*watched, prefixed bool) ([]string, int, error) {
	var lines []string
	pending := 0
	err := s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		repo := tx.PendingRefUpdateRepo()
		for _, w := range updates {
			if w.done {
				continue
			}
			current, err := repo.GetByID(ctx, w.update.ID)
			if errors.Is(err, storage.ErrNotFound) {
				w.done = true
				continue
			}
			if err != nil {
				return err
			}
			w.update = current

			outputs, err := repo.Outputs(ctx, current.ID, w.outputSeen)
			if err != nil {
				return err
			}
			for _, output := range outputs {
				w.outputSeen = output.ID
				text := output.Output
				if output.Traceback && !sess.user.HasRole(domain.RoleDeveloper) {
					text = fmt.Sprintf("An error occurred while %s %s.", pendingrefs.Action(current), current.Name)
				}
				lines = append(lines, formatLines(current.Name, text, prefixed)...)
			}

			if current.State.IsTerminal() {
				w.done = true
			} else {
				pending++
			}
		}
		return nil
	})
	return lines, pending, err
}

func formatLines(refName, text string, prefixed bool) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if prefixed {
		for i, line := range lines {
			lines[i] = refName + ": " + line
		}
	}
	return lines
}

// abandon tells the background services that nobody is waiting for the unfinished updates.
func (s *Service) abandon(ctx context.Context, updates []*watched) error {
	var ids []int64
	for _, w := range updates {
		if !w.done {
			ids = append(ids, w.update.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "githook").
		Ints64("pendingrefupdate_ids", ids).
		Msg("abandoning pending updates")
	return s.tm.Do(context.WithoutCancel(ctx), func(ctx context.Context, tx storage.Tx) error {
		return tx.PendingRefUpdateRepo().SetAbandoned(ctx, ids)
	})
}

// finish rewinds failed updates and removes the concluded rows. Updates still in progress are
// left alone.
func (s *Service) finish(ctx context.Context, sess *session, updates []*watched, out *responder) error {
	var ids []int64
	for _, w := range updates {
		if !w.done {
			continue
		}
		update := w.update
		ids = append(ids, update.ID)
		if update.State != domain.PendingRefUpdateFailed {
			continue
		}

		message, err := pendingrefs.Compensate(ctx, sess.git, update, pendingrefs.CompensatedByHook)
		if err != nil {
			log.Error().
				Err(err).
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "githook").
				Str("ref", update.Name).
				Msg("failed to rewind ref")
		}
		_ = out.output(message)

		if update.BranchUpdateID != nil {
			if err := s.revertReviewUpdate(ctx, sess, update); err != nil {
				return err
			}
		}
	}

	if len(ids) == 0 {
		return nil
	}
	return s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PendingRefUpdateRepo().Delete(ctx, ids)
	})
}

// revertReviewUpdate forgets what a review recorded for a branch update whose ref was rewound.
func (s *Service) revertReviewUpdate(ctx context.Context, sess *session, update *domain.PendingRefUpdate) error {
	name, ok := strings.CutPrefix(update.Name, domain.RefsHeads)
	if !ok {
		return nil
	}
	return s.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		branch, err := tx.BranchRepo().GetByName(ctx, sess.repository.ID, name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if branch.Type != domain.BranchTypeReview {
			return nil
		}
		review, err := tx.ReviewRepo().GetByBranch(ctx, branch.ID)
		if err != nil {
			return err
		}
		return tx.ReviewRepo().RevertUpdate(ctx, review.ID, *update.BranchUpdateID)
	})
}
