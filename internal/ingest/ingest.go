// Package ingest inserts newly pushed commits into the database.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"critic/internal/domain"
	"critic/internal/git"
	"critic/internal/logger"
	"critic/internal/metrics"
	"critic/internal/storage"
)

// knownTips is how many recent branch heads bound the walk through history.
const knownTips = 50

type Result struct {
	// Tip is the stored commit the walk started from.
	Tip *domain.Commit
	// Inserted are the commits that were not stored before, children before parents.
	Inserted []*domain.Commit
}

// InsertedIDs returns the ids of the newly stored commits.
func (r *Result) InsertedIDs() []int64 {
	ids := make([]int64, 0, len(r.Inserted))
	for _, commit := range r.Inserted {
		ids = append(ids, commit.ID)
	}
	return ids
}

// Commits stores every commit reachable from tip that is not stored yet, together with the
// git users and edges it needs. When the tip is already stored nothing is written.
// All writes happen through tx, so a failure leaves the database untouched.
func Commits(ctx context.Context, tx storage.Tx, repo *git.Repository, repositoryID int64, tip string) (*Result, error) {
	commits := tx.CommitRepo()

	sha1, err := repo.ResolveRef(ctx, tip)
	if err != nil {
		return nil, err
	}

	if stored, err := commits.GetBySHA1(ctx, sha1); err == nil {
		return &Result{Tip: stored}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	exclude, err := exclusions(ctx, tx, repo, repositoryID)
	if err != nil {
		return nil, err
	}

	infos, existing, err := enumerate(ctx, commits, repo, sha1, exclude)
	if err != nil {
		return nil, err
	}

	missing, err := missingParents(ctx, commits, infos, existing)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		// The excluded tips hid history that is not stored either; walk everything.
		log.Warn().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "ingest").
			Int("missing_parents", len(missing)).
			Msg("known tips were not sufficient, walking full history")
		infos, existing, err = enumerate(ctx, commits, repo, sha1, nil)
		if err != nil {
			return nil, err
		}
	}

	var fresh []git.CommitInfo
	for _, info := range infos {
		if _, ok := existing[info.SHA1]; !ok {
			fresh = append(fresh, info)
		}
	}

	inserted, err := insert(ctx, commits, fresh, existing)
	if err != nil {
		return nil, err
	}
	metrics.IngestedCommitsTotal.Add(float64(len(inserted)))

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "ingest").
		Str("tip", sha1).
		Int("inserted", len(inserted)).
		Msg("inserted commits")

	result := &Result{Inserted: inserted}
	for _, commit := range inserted {
		if commit.SHA1 == sha1 {
			result.Tip = commit
		}
	}
	if result.Tip == nil {
		return nil, fmt.Errorf("ingest: tip %s was not inserted", sha1)
	}
	return result, nil
}

// exclusions returns stored commits that bound the walk: the most recently committed branch
// heads and HEAD.
func exclusions(ctx context.Context, tx storage.Tx, repo *git.Repository, repositoryID int64) ([]string, error) {
	heads, err := tx.BranchRepo().RecentHeads(ctx, repositoryID, knownTips)
	if err != nil {
		return nil, err
	}

	head, err := repo.CurrentValue(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	if head == domain.ZeroSHA1 {
		return heads, nil
	}
	for _, sha1 := range heads {
		if sha1 == head {
			return heads, nil
		}
	}
	stored, err := tx.CommitRepo().ExistingSHA1s(ctx, []string{head})
	if err != nil {
		return nil, err
	}
	if _, ok := stored[head]; ok {
		heads = append(heads, head)
	}
	return heads, nil
}

func enumerate(ctx context.Context, commits storage.CommitRepository, repo *git.Repository, tip string, exclude []string) ([]git.CommitInfo, map[string]int64, error) {
	infos, err := repo.LogCommits(ctx, []string{tip}, exclude)
	if err != nil {
		return nil, nil, err
	}
	sha1s := make([]string, 0, len(infos))
	for _, info := range infos {
		sha1s = append(sha1s, info.SHA1)
	}
	existing, err := commits.ExistingSHA1s(ctx, sha1s)
	if err != nil {
		return nil, nil, err
	}
	return infos, existing, nil
}

// missingParents returns parents of enumerated commits that were neither enumerated nor stored.
// Their ids are added to existing.
func missingParents(ctx context.Context, commits storage.CommitRepository, infos []git.CommitInfo, existing map[string]int64) ([]string, error) {
	enumerated := make(map[string]bool, len(infos))
	for _, info := range infos {
		enumerated[info.SHA1] = true
	}

	var outside []string
	seen := make(map[string]bool)
	for _, info := range infos {
		for _, parent := range info.Parents {
			if enumerated[parent] || seen[parent] {
				continue
			}
			seen[parent] = true
			outside = append(outside, parent)
		}
	}
	if len(outside) == 0 {
		return nil, nil
	}

	stored, err := commits.ExistingSHA1s(ctx, outside)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, parent := range outside {
		if id, ok := stored[parent]; ok {
			existing[parent] = id
		} else {
			missing = append(missing, parent)
		}
	}
	return missing, nil
}

func insert(ctx context.Context, commits storage.CommitRepository, fresh []git.CommitInfo, existing map[string]int64) ([]*domain.Commit, error) {
	if len(fresh) == 0 {
		return nil, nil
	}

	identities := make([]domain.GitIdentity, 0, 2*len(fresh))
	for _, info := range fresh {
		identities = append(identities, info.Author, info.Committer)
	}
	gitUsers, err := commits.InternGitUsers(ctx, identities)
	if err != nil {
		return nil, err
	}

	rows := make([]*domain.Commit, 0, len(fresh))
	for _, info := range fresh {
		rows = append(rows, &domain.Commit{
			SHA1:        info.SHA1,
			AuthorID:    gitUsers[info.Author],
			AuthorTime:  info.AuthorTime,
			CommitterID: gitUsers[info.Committer],
			CommitTime:  info.CommitTime,
		})
	}
	if err := commits.Insert(ctx, rows); err != nil {
		return nil, err
	}

	ids := make(map[string]int64, len(existing)+len(rows))
	for sha1, id := range existing {
		ids[sha1] = id
	}
	for _, row := range rows {
		ids[row.SHA1] = row.ID
	}

	var edges []domain.Edge
	for _, info := range fresh {
		child := ids[info.SHA1]
		for position, parent := range info.Parents {
			parentID, ok := ids[parent]
			if !ok {
				return nil, fmt.Errorf("ingest: parent %s of %s is not stored", parent, info.SHA1)
			}
			edges = append(edges, domain.Edge{Parent: parentID, Child: child, Position: position})
		}
	}
	if err := commits.InsertEdges(ctx, edges); err != nil {
		return nil, err
	}
	return rows, nil
}
