package branches

import (
	"context"
	"fmt"

	"critic/internal/storage"
)

const initialBatchSize = 20

// Base is the outcome of a base branch search.
type Base struct {
	// BranchID is nil when no existing branch contains an ancestor of the tip.
	BranchID *int64
	// TailID is the first ancestor found on the base branch.
	TailID *int64
	// Commits are the commits to associate with a branch whose head is the tip.
	Commits []int64
}

// FindBaseBranch walks the ancestry of tip depth first, in batches that double in size, until it
// reaches a commit associated with some branch other than the excluded ones. The lowest id among
// the branches containing that commit is the base branch. The tip itself always belongs to the
// new branch, so the walk starts from its parents.
func FindBaseBranch(ctx context.Context, tx storage.Tx, env Env, tipSHA1 string, excluded []int64) (*Base, error) {
	count, err := tx.BranchRepo().Count(ctx, env.Repository.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		tailID, tailSHA1, branchID, err := walk(ctx, tx, env, tipSHA1, excluded)
		if err != nil {
			return nil, err
		}
		if tailID != 0 {
			commits, err := commitIDs(ctx, tx, env, []string{tipSHA1}, []string{tailSHA1})
			if err != nil {
				return nil, err
			}
			return &Base{BranchID: &branchID, TailID: &tailID, Commits: commits}, nil
		}
	}

	commits, err := commitIDs(ctx, tx, env, []string{tipSHA1}, nil)
	if err != nil {
		return nil, err
	}
	return &Base{Commits: commits}, nil
}

func walk(ctx context.Context, tx storage.Tx, env Env, tipSHA1 string, excluded []int64) (tailID int64, tailSHA1 string, branchID int64, err error) {
	parents, err := env.Git.Parents(ctx, tipSHA1)
	if err != nil || len(parents) == 0 {
		return 0, "", 0, err
	}

	skip, batchSize := 0, initialBatchSize
	for {
		batch, err := env.Git.RevList(ctx, parents, nil,
			"--topo-order",
			fmt.Sprintf("--skip=%d", skip),
			fmt.Sprintf("--max-count=%d", batchSize))
		if err != nil {
			return 0, "", 0, err
		}
		if len(batch) == 0 {
			return 0, "", 0, nil
		}

		ids, err := tx.CommitRepo().ExistingSHA1s(ctx, batch)
		if err != nil {
			return 0, "", 0, err
		}
		candidates := make([]int64, 0, len(ids))
		for _, sha1 := range batch {
			if id, ok := ids[sha1]; ok {
				candidates = append(candidates, id)
			}
		}

		containing, err := tx.BranchRepo().LowestContaining(ctx, env.Repository.ID, candidates, excluded)
		if err != nil {
			return 0, "", 0, err
		}
		for _, sha1 := range batch {
			id, ok := ids[sha1]
			if !ok {
				continue
			}
			if branch, ok := containing[id]; ok {
				return id, sha1, branch, nil
			}
		}

		if len(batch) < batchSize {
			return 0, "", 0, nil
		}
		skip += len(batch)
		batchSize *= 2
	}
}
