package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"critic/internal/domain"
	"critic/internal/storage"
)

type replayRepository struct {
	db *gorm.DB
}

func NewReplayRepository(db *gorm.DB) storage.ReplayRepository {
	return &replayRepository{db: db}
}

// RequestMerge is idempotent: the first requester inserts, later ones get the stored row
func (r *replayRepository) RequestMerge(ctx context.Context, repositoryID, mergeID int64) (*domain.MergeReplayRequest, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&MergeReplayRequest{RepositoryID: repositoryID, MergeID: mergeID, RequestedAt: r.db.NowFunc()}).Error
	if err != nil {
		return nil, err
	}
	return r.GetMerge(ctx, repositoryID, mergeID)
}

func (r *replayRepository) GetMerge(ctx context.Context, repositoryID, mergeID int64) (*domain.MergeReplayRequest, error) {
	var row MergeReplayRequest
	err := r.db.WithContext(ctx).
		Where(`repository = ? AND "merge" = ?`, repositoryID, mergeID).
		Take(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toDomainMergeReplay(row), nil
}

func (r *replayRepository) PendingMerges(ctx context.Context) ([]domain.MergeReplayRequest, error) {
	var rows []MergeReplayRequest
	err := r.db.WithContext(ctx).
		Where("replay IS NULL AND traceback IS NULL").
		Order("requested_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	requests := make([]domain.MergeReplayRequest, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, *toDomainMergeReplay(row))
	}
	return requests, nil
}

func (r *replayRepository) FinishMerges(ctx context.Context, results []domain.MergeReplayRequest) error {
	for _, result := range results {
		err := r.db.WithContext(ctx).
			Model(&MergeReplayRequest{}).
			Where(`repository = ? AND "merge" = ?`, result.RepositoryID, result.MergeID).
			Updates(map[string]any{"replay": result.ReplayID, "traceback": result.Traceback}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func toDomainMergeReplay(row MergeReplayRequest) *domain.MergeReplayRequest {
	return &domain.MergeReplayRequest{
		RepositoryID: row.RepositoryID,
		MergeID:      row.MergeID,
		ReplayID:     row.Replay,
		Traceback:    row.Traceback,
		RequestedAt:  row.RequestedAt,
	}
}

func (r *replayRepository) RequestRebase(ctx context.Context, rebaseID, branchUpdateID, newUpstreamID int64) (*domain.RebaseReplayRequest, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RebaseReplayRequest{
			RebaseID:       rebaseID,
			BranchUpdateID: branchUpdateID,
			NewUpstreamID:  newUpstreamID,
			RequestedAt:    r.db.NowFunc(),
		}).Error
	if err != nil {
		return nil, err
	}
	return r.GetRebase(ctx, rebaseID, branchUpdateID, newUpstreamID)
}

func (r *replayRepository) GetRebase(ctx context.Context, rebaseID, branchUpdateID, newUpstreamID int64) (*domain.RebaseReplayRequest, error) {
	var row RebaseReplayRequest
	err := r.db.WithContext(ctx).
		Where("rebase = ? AND branchupdate = ? AND new_upstream = ?", rebaseID, branchUpdateID, newUpstreamID).
		Take(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toDomainRebaseReplay(row), nil
}

func (r *replayRepository) PendingRebases(ctx context.Context) ([]domain.RebaseReplayRequest, error) {
	var rows []RebaseReplayRequest
	err := r.db.WithContext(ctx).
		Where("replay IS NULL AND traceback IS NULL").
		Order("requested_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	requests := make([]domain.RebaseReplayRequest, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, *toDomainRebaseReplay(row))
	}
	return requests, nil
}

func (r *replayRepository) FinishRebases(ctx context.Context, results []domain.RebaseReplayRequest) error {
	for _, result := range results {
		err := r.db.WithContext(ctx).
			Model(&RebaseReplayRequest{}).
			Where("rebase = ? AND branchupdate = ? AND new_upstream = ?",
				result.RebaseID, result.BranchUpdateID, result.NewUpstreamID).
			Updates(map[string]any{"replay": result.ReplayID, "traceback": result.Traceback}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func toDomainRebaseReplay(row RebaseReplayRequest) *domain.RebaseReplayRequest {
	return &domain.RebaseReplayRequest{
		RebaseID:       row.RebaseID,
		BranchUpdateID: row.BranchUpdateID,
		NewUpstreamID:  row.NewUpstreamID,
		ReplayID:       row.Replay,
		Traceback:      row.Traceback,
		RequestedAt:    row.RequestedAt,
	}
}

func (r *replayRepository) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	const finished = "(replay IS NOT NULL OR traceback IS NOT NULL) AND requested_at < ?"

	merges := r.db.WithContext(ctx).Where(finished, t).Delete(&MergeReplayRequest{})
	if merges.Error != nil {
		return 0, merges.Error
	}
	rebases := r.db.WithContext(ctx).Where(finished, t).Delete(&RebaseReplayRequest{})
	if rebases.Error != nil {
		return 0, rebases.Error
	}
	return merges.RowsAffected + rebases.RowsAffected, nil
}
