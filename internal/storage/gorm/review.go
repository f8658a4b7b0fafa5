package gorm

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/storage"
)

type reviewRepository struct {
	db *gorm.DB
}

func NewReviewRepository(db *gorm.DB) storage.ReviewRepository {
	return &reviewRepository{db: db}
}

func (r *reviewRepository) Create(ctx context.Context, review *domain.Review) error {
	row := &Review{
		RepositoryID: review.RepositoryID,
		BranchID:     review.BranchID,
		State:        string(review.State),
		Summary:      review.Summary,
		ViaPush:      review.ViaPush,
	}
	if row.State == "" {
		row.State = string(domain.ReviewStateDraft)
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	review.ID = row.ID

	for _, owner := range review.Owners {
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "review"}, {Name: "uid"}},
				DoUpdates: clause.Assignments(map[string]any{"owner": true}),
			}).
			Create(&ReviewUser{ReviewID: row.ID, UserID: owner, Owner: true}).Error
		if err != nil {
			return err
		}
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "storage").
		Int64("review_id", row.ID).
		Int64("branch_id", review.BranchID).
		Msg("created review")

	return nil
}

func (r *reviewRepository) GetByID(ctx context.Context, id int64) (*domain.Review, error) {
	var row Review
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withOwners(ctx, row)
}

func (r *reviewRepository) GetByBranch(ctx context.Context, branchID int64) (*domain.Review, error) {
	var row Review
	if err := r.db.WithContext(ctx).First(&row, "branch = ?", branchID).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withOwners(ctx, row)
}

func (r *reviewRepository) withOwners(ctx context.Context, row Review) (*domain.Review, error) {
	var owners []int64
	err := r.db.WithContext(ctx).
		Model(&ReviewUser{}).
		Where("review = ? AND owner = ?", row.ID, true).
		Order("uid").
		Pluck("uid", &owners).Error
	if err != nil {
		return nil, err
	}
	return &domain.Review{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		BranchID:     row.BranchID,
		State:        domain.ReviewState(row.State),
		Summary:      row.Summary,
		ViaPush:      row.ViaPush,
		Owners:       owners,
	}, nil
}

func (r *reviewRepository) SetState(ctx context.Context, id int64, state domain.ReviewState) error {
	result := r.db.WithContext(ctx).Model(&Review{}).Where("id = ?", id).Update("state", string(state))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *reviewRepository) CreateRebase(ctx context.Context, rebase *domain.ReviewRebase) error {
	row := &ReviewRebase{
		ReviewID:    rebase.ReviewID,
		CreatorID:   rebase.CreatorID,
		Kind:        string(rebase.Kind),
		OldUpstream: rebase.OldUpstreamID,
		NewUpstream: rebase.NewUpstreamID,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	rebase.ID = row.ID
	return nil
}

func (r *reviewRepository) GetRebase(ctx context.Context, id int64) (*domain.ReviewRebase, error) {
	var row ReviewRebase
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainRebase(row), nil
}

func (r *reviewRepository) PendingRebase(ctx context.Context, reviewID int64) (*domain.ReviewRebase, error) {
	var row ReviewRebase
	err := r.db.WithContext(ctx).
		Where("review = ? AND branchupdate IS NULL", reviewID).
		Order("id DESC").
		Take(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return toDomainRebase(row), nil
}

func (r *reviewRepository) SetRebaseUpstreams(ctx context.Context, id int64, oldUpstreamID, newUpstreamID *int64) error {
	return r.db.WithContext(ctx).
		Model(&ReviewRebase{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"old_upstream": oldUpstreamID,
			"new_upstream": newUpstreamID,
		}).Error
}

func (r *reviewRepository) FinishRebase(ctx context.Context, rebase *domain.ReviewRebase) error {
	result := r.db.WithContext(ctx).
		Model(&ReviewRebase{}).
		Where("id = ? AND branchupdate IS NULL", rebase.ID).
		Updates(map[string]any{
			"old_upstream":     rebase.OldUpstreamID,
			"new_upstream":     rebase.NewUpstreamID,
			"equivalent_merge": rebase.EquivalentMergeID,
			"replayed_rebase":  rebase.ReplayedRebaseID,
			"branchupdate":     rebase.BranchUpdateID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrConflict
	}
	return nil
}

func toDomainRebase(row ReviewRebase) *domain.ReviewRebase {
	return &domain.ReviewRebase{
		ID:                row.ID,
		ReviewID:          row.ReviewID,
		CreatorID:         row.CreatorID,
		Kind:              domain.RebaseKind(row.Kind),
		OldUpstreamID:     row.OldUpstream,
		NewUpstreamID:     row.NewUpstream,
		EquivalentMergeID: row.EquivalentMerge,
		ReplayedRebaseID:  row.ReplayedRebase,
		BranchUpdateID:    row.BranchUpdate,
	}
}

func (r *reviewRepository) CreateUpdate(ctx context.Context, reviewID, branchUpdateID int64, updaterID *int64) error {
	err := r.db.WithContext(ctx).Create(&ReviewUpdate{
		BranchUpdateID: branchUpdateID,
		ReviewID:       reviewID,
		UpdaterID:      updaterID,
		UpdatedAt:      r.db.NowFunc(),
	}).Error
	return translateError(err)
}

func (r *reviewRepository) UnprocessedBranchUpdates(ctx context.Context, branchID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&BranchUpdate{}).
		Where("branch = ? AND NOT EXISTS (SELECT 1 FROM reviewupdates WHERE reviewupdates.branchupdate = branchupdates.id)", branchID).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *reviewRepository) RevertUpdate(ctx context.Context, reviewID, branchUpdateID int64) error {
	db := r.db.WithContext(ctx)

	var changesetIDs []int64
	err := db.Model(&ReviewChangeset{}).
		Where("review = ? AND branchupdate = ?", reviewID, branchUpdateID).
		Pluck("changeset", &changesetIDs).Error
	if err != nil {
		return err
	}
	if len(changesetIDs) > 0 {
		if err := db.Where("review = ? AND changeset IN ?", reviewID, changesetIDs).Delete(&ReviewUserFile{}).Error; err != nil {
			return err
		}
		if err := db.Where("review = ? AND changeset IN ?", reviewID, changesetIDs).Delete(&ReviewChangeset{}).Error; err != nil {
			return err
		}
	}
	if err := db.Model(&CommentChain{}).
		Where("review = ? AND addressed_by = ?", reviewID, branchUpdateID).
		Updates(map[string]any{"state": "open", "addressed_by": nil}).Error; err != nil {
		return err
	}
	if err := db.Model(&ReviewRebase{}).
		Where("review = ? AND branchupdate = ?", reviewID, branchUpdateID).
		Updates(map[string]any{"branchupdate": nil, "equivalent_merge": nil, "replayed_rebase": nil}).Error; err != nil {
		return err
	}
	return db.Where("review = ? AND branchupdate = ?", reviewID, branchUpdateID).Delete(&ReviewUpdate{}).Error
}

func (r *reviewRepository) AddChangesets(ctx context.Context, reviewID, branchUpdateID int64, changesetIDs []int64) error {
	if len(changesetIDs) == 0 {
		return nil
	}
	rows := make([]ReviewChangeset, 0, len(changesetIDs))
	for _, id := range changesetIDs {
		rows = append(rows, ReviewChangeset{ReviewID: reviewID, ChangesetID: id, BranchUpdateID: &branchUpdateID})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *reviewRepository) ReviewerFilters(ctx context.Context, repositoryID int64) ([]domain.ReviewFilter, error) {
	var rows []ReviewFilter
	err := r.db.WithContext(ctx).
		Where("repository = ? AND type = ?", repositoryID, "reviewer").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	filters := make([]domain.ReviewFilter, 0, len(rows))
	for _, row := range rows {
		filters = append(filters, domain.ReviewFilter{
			ID:           row.ID,
			RepositoryID: row.RepositoryID,
			UserID:       row.UserID,
			Path:         row.Path,
			Type:         row.Type,
		})
	}
	return filters, nil
}

func (r *reviewRepository) AddReviewFilter(ctx context.Context, filter *domain.ReviewFilter) error {
	row := &ReviewFilter{
		RepositoryID: filter.RepositoryID,
		UserID:       filter.UserID,
		Path:         filter.Path,
		Type:         filter.Type,
	}
	if row.Type == "" {
		row.Type = "reviewer"
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	filter.ID = row.ID
	return nil
}

func (r *reviewRepository) AssignedReviewers(ctx context.Context, reviewID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&ReviewUserFile{}).
		Distinct("uid").
		Where("review = ?", reviewID).
		Order("uid").
		Pluck("uid", &ids).Error
	return ids, err
}

func (r *reviewRepository) AssignFiles(ctx context.Context, reviewID, changesetID, userID int64, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	rows := make([]ReviewUserFile, 0, len(paths))
	for _, path := range paths {
		rows = append(rows, ReviewUserFile{ReviewID: reviewID, ChangesetID: changesetID, UserID: userID, Path: path})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, chunkSize).Error
}

func (r *reviewRepository) OpenIssues(ctx context.Context, reviewID int64, viewerID *int64) ([]domain.CommentChain, error) {
	query := r.db.WithContext(ctx).
		Where("review = ? AND type = ? AND state = ?", reviewID, "issue", "open")
	if viewerID == nil {
		query = query.Where("published = ?", true)
	} else {
		query = query.Where("(published = ? OR uid = ?)", true, *viewerID)
	}

	var rows []CommentChain
	if err := query.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	chains := make([]domain.CommentChain, 0, len(rows))
	for _, row := range rows {
		chains = append(chains, domain.CommentChain{
			ID:          row.ID,
			ReviewID:    row.ReviewID,
			UserID:      row.UserID,
			Type:        row.Type,
			State:       row.State,
			Path:        row.Path,
			Published:   row.Published,
			AddressedBy: row.AddressedBy,
		})
	}
	return chains, nil
}

func (r *reviewRepository) MarkAddressed(ctx context.Context, chainIDs []int64, branchUpdateID int64) error {
	if len(chainIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&CommentChain{}).
		Where("id IN ? AND state = ?", chainIDs, "open").
		Updates(map[string]any{"state": "addressed", "addressed_by": branchUpdateID}).Error
}

func (r *reviewRepository) CreateCommentChain(ctx context.Context, chain *domain.CommentChain) error {
	row := &CommentChain{
		ReviewID:  chain.ReviewID,
		UserID:    chain.UserID,
		Type:      chain.Type,
		State:     chain.State,
		Path:      chain.Path,
		Published: chain.Published,
	}
	if row.Type == "" {
		row.Type = "issue"
	}
	if row.State == "" {
		row.State = "open"
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	chain.ID = row.ID
	return nil
}
