// Package changeset requests changesets and computes their per-file line counts.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/storage"
)

// ErrNotCustomizable is returned when a set of commits has no single parent to diff against.
var ErrNotCustomizable = errors.New("changeset: commits do not form a simple range")

// Driver computes changesets of one repository.
type Driver struct {
	tm           storage.TxManager
	git          *git.Repository
	repositoryID int64
}

func NewDriver(tm storage.TxManager, repo *git.Repository, repositoryID int64) *Driver {
	return &Driver{tm: tm, git: repo, repositoryID: repositoryID}
}

// Direct returns the changeset of a single commit against its first parent.
func (d *Driver) Direct(ctx context.Context, commitID int64) (*domain.Changeset, error) {
	var from *int64
	err := d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		parents, err := tx.CommitRepo().Parents(ctx, []int64{commitID})
		if err != nil {
			return err
		}
		if ps := parents[commitID]; len(ps) > 0 {
			from = &ps[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.Request(ctx, from, commitID, domain.ChangesetTypeDirect)
}

// EnqueueCustom records the changeset spanning a set of commits, from the parent of the oldest
// one to the newest one, without computing it. ComputeRequested picks it up later. The set must
// have one oldest commit with one parent and one newest commit.
func (d *Driver) EnqueueCustom(ctx context.Context, commitIDs []int64) (*domain.Changeset, error) {
	from, to, err := d.customRange(ctx, commitIDs)
	if err != nil {
		return nil, err
	}
	changeset, _, _, err := d.ensure(ctx, &from, to, domain.ChangesetTypeCustom)
	return changeset, err
}

func (d *Driver) customRange(ctx context.Context, commitIDs []int64) (from, to int64, err error) {
	err = d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		parents, err := tx.CommitRepo().Parents(ctx, commitIDs)
		if err != nil {
			return err
		}
		inSet := make(map[int64]bool, len(commitIDs))
		for _, id := range commitIDs {
			inSet[id] = true
		}
		isParent := make(map[int64]bool)
		var outside []int64
		for _, id := range commitIDs {
			for _, parent := range parents[id] {
				if inSet[parent] {
					isParent[parent] = true
				} else {
					outside = append(outside, parent)
				}
			}
		}
		var tips []int64
		for _, id := range commitIDs {
			if !isParent[id] {
				tips = append(tips, id)
			}
		}
		if len(tips) != 1 || len(outside) != 1 {
			return ErrNotCustomizable
		}
		from, to = outside[0], tips[0]
		return nil
	})
	return from, to, err
}

// Request finds or creates the changeset and computes it if nobody has yet.
func (d *Driver) Request(ctx context.Context, fromID *int64, toID int64, changesetType domain.ChangesetType) (*domain.Changeset, error) {
	changeset, fromSHA1, toSHA1, err := d.ensure(ctx, fromID, toID, changesetType)
	if err != nil {
		return nil, err
	}
	if changeset.State == domain.ChangesetStateChangedLines {
		return changeset, nil
	}

	if err := d.compute(ctx, changeset.ID, fromSHA1, toSHA1); err != nil {
		return nil, err
	}
	return d.get(ctx, changeset.ID)
}

// ensure finds or creates the changeset row. The commit SHA-1s are only resolved when the line
// counts are still missing.
func (d *Driver) ensure(ctx context.Context, fromID *int64, toID int64, changesetType domain.ChangesetType) (*domain.Changeset, string, string, error) {
	var changeset *domain.Changeset
	var fromSHA1, toSHA1 string
	err := d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		repo := tx.ChangesetRepo()
		found, err := repo.Find(ctx, d.repositoryID, fromID, toID, changesetType)
		switch {
		case err == nil:
			changeset = found
		case errors.Is(err, storage.ErrNotFound):
			changeset = &domain.Changeset{
				RepositoryID: d.repositoryID,
				FromCommitID: fromID,
				ToCommitID:   toID,
				Type:         changesetType,
			}
			if err := repo.Create(ctx, changeset); err != nil {
				return err
			}
		default:
			return err
		}
		if changeset.State == domain.ChangesetStateChangedLines {
			return nil
		}

		ids := []int64{toID}
		if fromID != nil {
			ids = append(ids, *fromID)
		}
		sha1s, err := tx.CommitRepo().SHA1s(ctx, ids)
		if err != nil {
			return err
		}
		toSHA1 = sha1s[toID]
		if fromID != nil {
			fromSHA1 = sha1s[*fromID]
		}
		return nil
	})
	return changeset, fromSHA1, toSHA1, err
}

// ComputeRequested computes up to limit enqueued changesets, oldest first, and returns how many
// it computed.
func (d *Driver) ComputeRequested(ctx context.Context, limit int) (int, error) {
	var requested []domain.Changeset
	var sha1s map[int64]string
	err := d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		requested, err = tx.ChangesetRepo().ListRequested(ctx, d.repositoryID, limit)
		if err != nil {
			return err
		}
		var ids []int64
		for _, changeset := range requested {
			ids = append(ids, changeset.ToCommitID)
			if changeset.FromCommitID != nil {
				ids = append(ids, *changeset.FromCommitID)
			}
		}
		sha1s, err = tx.CommitRepo().SHA1s(ctx, ids)
		return err
	})
	if err != nil {
		return 0, err
	}

	computed := 0
	for _, changeset := range requested {
		var fromSHA1 string
		if changeset.FromCommitID != nil {
			fromSHA1 = sha1s[*changeset.FromCommitID]
		}
		if err := d.compute(ctx, changeset.ID, fromSHA1, sha1s[changeset.ToCommitID]); err != nil {
			return computed, err
		}
		computed++
	}
	return computed, nil
}

func (d *Driver) compute(ctx context.Context, id int64, fromSHA1, toSHA1 string) error {
	files, err := d.git.DiffNumstat(ctx, fromSHA1, toSHA1)
	if err != nil {
		return fmt.Errorf("changeset %d: %w", id, err)
	}
	log.Debug().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "changeset").
		Int64("changeset_id", id).
		Int("files", len(files)).
		Msg("computed changeset")
	return d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.ChangesetRepo().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.State == domain.ChangesetStateChangedLines {
			return nil
		}
		return tx.ChangesetRepo().SetFiles(ctx, id, files)
	})
}

func (d *Driver) get(ctx context.Context, id int64) (*domain.Changeset, error) {
	var changeset *domain.Changeset
	err := d.tm.Do(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		changeset, err = tx.ChangesetRepo().GetByID(ctx, id)
		return err
	})
	return changeset, err
}

// WaitFor polls until the changeset has its line counts.
func (d *Driver) WaitFor(ctx context.Context, id int64, maxWait time.Duration) (*domain.Changeset, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = maxWait

	var changeset *domain.Changeset
	err := backoff.Retry(func() error {
		var err error
		changeset, err = d.get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if changeset.State != domain.ChangesetStateChangedLines {
			return fmt.Errorf("changeset %d is %s", id, changeset.State)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	return changeset, err
}
