package gorm

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/storage"
)

type branchRepository struct {
	db *gorm.DB
}

func NewBranchRepository(db *gorm.DB) storage.BranchRepository {
	return &branchRepository{db: db}
}

func (r *branchRepository) Create(ctx context.Context, branch *domain.Branch) error {
	row := &Branch{
		RepositoryID: branch.RepositoryID,
		Name:         branch.Name,
		Head:         branch.HeadID,
		BaseBranch:   branch.BaseBranchID,
		Type:         string(branch.Type),
		IsArchived:   branch.IsArchived,
		Size:         branch.Size,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		err = translateError(err)
		if err == storage.ErrAlreadyExists {
			log.Warn().
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "storage").
				Str("branch", branch.Name).
				Msg("branch already exists")
		}
		return err
	}
	branch.ID = row.ID
	return nil
}

func (r *branchRepository) GetByName(ctx context.Context, repositoryID int64, name string) (*domain.Branch, error) {
	return r.get(ctx, "branches.repository = ? AND branches.name = ?", repositoryID, name)
}

func (r *branchRepository) GetByID(ctx context.Context, id int64) (*domain.Branch, error) {
	return r.get(ctx, "branches.id = ?", id)
}

type branchWithHead struct {
	Branch
	HeadSHA1 string `gorm:"column:head_sha1"`
}

func (r *branchRepository) get(ctx context.Context, query string, args ...any) (*domain.Branch, error) {
	var row branchWithHead
	err := r.db.WithContext(ctx).
		Table("branches").
		Select("branches.*, commits.sha1 AS head_sha1").
		Joins("JOIN commits ON commits.id = branches.head").
		Where(query, args...).
		Take(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &domain.Branch{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		Name:         row.Name,
		HeadID:       row.Head,
		HeadSHA1:     row.HeadSHA1,
		BaseBranchID: row.BaseBranch,
		Type:         domain.BranchType(row.Type),
		IsArchived:   row.IsArchived,
		Size:         row.Size,
	}, nil
}

func (r *branchRepository) Update(ctx context.Context, branch *domain.Branch) error {
	result := r.db.WithContext(ctx).
		Model(&Branch{}).
		Where("id = ?", branch.ID).
		Updates(map[string]any{
			"head":        branch.HeadID,
			"base_branch": branch.BaseBranchID,
			"type":        string(branch.Type),
			"is_archived": branch.IsArchived,
			"size":        branch.Size,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *branchRepository) Delete(ctx context.Context, id int64) error {
	db := r.db.WithContext(ctx)

	var updateIDs []int64
	if err := db.Model(&BranchUpdate{}).Where("branch = ?", id).Pluck("id", &updateIDs).Error; err != nil {
		return err
	}
	if len(updateIDs) > 0 {
		if err := db.Model(&PendingRefUpdate{}).
			Where("branchupdate IN ?", updateIDs).
			Update("branchupdate", nil).Error; err != nil {
			return err
		}
		if err := db.Where("branchupdate IN ?", updateIDs).Delete(&BranchUpdateCommit{}).Error; err != nil {
			return err
		}
		if err := db.Where("id IN ?", updateIDs).Delete(&BranchUpdate{}).Error; err != nil {
			return err
		}
	}
	if err := db.Model(&Branch{}).Where("base_branch = ?", id).Update("base_branch", nil).Error; err != nil {
		return err
	}
	if err := db.Where("branch = ?", id).Delete(&BranchCommit{}).Error; err != nil {
		return err
	}

	result := db.Where("id = ?", id).Delete(&Branch{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *branchRepository) Count(ctx context.Context, repositoryID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Branch{}).Where("repository = ?", repositoryID).Count(&count).Error
	return count, err
}

func (r *branchRepository) RecentHeads(ctx context.Context, repositoryID int64, limit int) ([]string, error) {
	var sha1s []string
	err := r.db.WithContext(ctx).
		Table("branches").
		Joins("JOIN commits ON commits.id = branches.head").
		Where("branches.repository = ? AND NOT branches.is_archived", repositoryID).
		Order("commits.commit_time DESC").
		Limit(limit).
		Pluck("commits.sha1", &sha1s).Error
	return sha1s, err
}

func (r *branchRepository) ConflictingNames(ctx context.Context, repositoryID int64, name string) ([]string, error) {
	var ancestors []string
	parts := strings.Split(name, "/")
	for i := 1; i < len(parts); i++ {
		ancestors = append(ancestors, strings.Join(parts[:i], "/"))
	}
	prefix := name + "/"

	query := r.db.WithContext(ctx).
		Model(&Branch{}).
		Where("repository = ?", repositoryID)
	if len(ancestors) > 0 {
		query = query.Where("name IN ? OR SUBSTR(name, 1, ?) = ?", ancestors, len(prefix), prefix)
	} else {
		query = query.Where("SUBSTR(name, 1, ?) = ?", len(prefix), prefix)
	}

	var names []string
	err := query.Order("name").Pluck("name", &names).Error
	return names, err
}

func (r *branchRepository) CommitIDs(ctx context.Context, branchID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&BranchCommit{}).
		Where("branch = ?", branchID).
		Order(`"commit"`).
		Pluck("commit", &ids).Error
	return ids, err
}

func (r *branchRepository) Contained(ctx context.Context, branchID int64, commitIDs []int64) ([]int64, error) {
	var contained []int64
	for _, chunk := range chunks(commitIDs, chunkSize) {
		var ids []int64
		err := r.db.WithContext(ctx).
			Model(&BranchCommit{}).
			Where(`branch = ? AND "commit" IN ?`, branchID, chunk).
			Pluck("commit", &ids).Error
		if err != nil {
			return nil, err
		}
		contained = append(contained, ids...)
	}
	return contained, nil
}

func (r *branchRepository) LowestContaining(ctx context.Context, repositoryID int64, commitIDs []int64, excluded []int64) (map[int64]int64, error) {
	type row struct {
		CommitID int64 `gorm:"column:commit_id"`
		BranchID int64 `gorm:"column:branch_id"`
	}

	result := make(map[int64]int64)
	for _, chunk := range chunks(commitIDs, chunkSize) {
		query := r.db.WithContext(ctx).
			Table("branchcommits").
			Select(`branchcommits."commit" AS commit_id, MIN(branchcommits.branch) AS branch_id`).
			Joins("JOIN branches ON branches.id = branchcommits.branch").
			Where(`branches.repository = ? AND branchcommits."commit" IN ?`, repositoryID, chunk)
		if len(excluded) > 0 {
			query = query.Where("branchcommits.branch NOT IN ?", excluded)
		}

		var rows []row
		if err := query.Group(`branchcommits."commit"`).Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			result[row.CommitID] = row.BranchID
		}
	}
	return result, nil
}

func (r *branchRepository) Associate(ctx context.Context, branchID int64, commitIDs []int64) error {
	if len(commitIDs) == 0 {
		return nil
	}
	rows := make([]BranchCommit, 0, len(commitIDs))
	for _, id := range commitIDs {
		rows = append(rows, BranchCommit{BranchID: branchID, CommitID: id})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, chunkSize).Error
}

func (r *branchRepository) Disassociate(ctx context.Context, branchID int64, commitIDs []int64) error {
	for _, chunk := range chunks(commitIDs, chunkSize) {
		err := r.db.WithContext(ctx).
			Where(`branch = ? AND "commit" IN ?`, branchID, chunk).
			Delete(&BranchCommit{}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

type branchUpdateRepository struct {
	db *gorm.DB
}

func NewBranchUpdateRepository(db *gorm.DB) storage.BranchUpdateRepository {
	return &branchUpdateRepository{db: db}
}

func (r *branchUpdateRepository) Create(ctx context.Context, update *domain.BranchUpdate) error {
	row := &BranchUpdate{
		BranchID:         update.BranchID,
		UpdaterID:        update.UpdaterID,
		FromHead:         update.FromHeadID,
		ToHead:           update.ToHeadID,
		FromBaseBranch:   update.FromBaseBranchID,
		Output:           update.Output,
		PendingRefUpdate: update.PendingRefUpdateID,
		UpdatedAt:        r.db.NowFunc(),
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	update.ID = row.ID
	update.UpdatedAt = row.UpdatedAt

	commits := make([]BranchUpdateCommit, 0, len(update.Associated)+len(update.Disassociated))
	for _, id := range update.Associated {
		commits = append(commits, BranchUpdateCommit{BranchUpdateID: row.ID, CommitID: id, Associated: true})
	}
	for _, id := range update.Disassociated {
		commits = append(commits, BranchUpdateCommit{BranchUpdateID: row.ID, CommitID: id, Associated: false})
	}
	if len(commits) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&commits, chunkSize).Error
}

func (r *branchUpdateRepository) GetByID(ctx context.Context, id int64) (*domain.BranchUpdate, error) {
	var row BranchUpdate
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withCommits(ctx, row)
}

func (r *branchUpdateRepository) Latest(ctx context.Context, branchID int64) (*domain.BranchUpdate, error) {
	var row BranchUpdate
	if err := r.db.WithContext(ctx).Where("branch = ?", branchID).Order("id DESC").Take(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withCommits(ctx, row)
}

func (r *branchUpdateRepository) withCommits(ctx context.Context, row BranchUpdate) (*domain.BranchUpdate, error) {
	var commits []BranchUpdateCommit
	err := r.db.WithContext(ctx).
		Where("branchupdate = ?", row.ID).
		Order(`"commit"`).
		Find(&commits).Error
	if err != nil {
		return nil, err
	}

	update := &domain.BranchUpdate{
		ID:                 row.ID,
		BranchID:           row.BranchID,
		UpdaterID:          row.UpdaterID,
		FromHeadID:         row.FromHead,
		ToHeadID:           row.ToHead,
		FromBaseBranchID:   row.FromBaseBranch,
		Output:             row.Output,
		PendingRefUpdateID: row.PendingRefUpdate,
		UpdatedAt:          row.UpdatedAt,
	}
	for _, commit := range commits {
		if commit.Associated {
			update.Associated = append(update.Associated, commit.CommitID)
		} else {
			update.Disassociated = append(update.Disassociated, commit.CommitID)
		}
	}
	return update, nil
}

func (r *branchUpdateRepository) Delete(ctx context.Context, id int64) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&PendingRefUpdate{}).Where("branchupdate = ?", id).Update("branchupdate", nil).Error; err != nil {
		return err
	}
	if err := db.Where("branchupdate = ?", id).Delete(&BranchUpdateCommit{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&BranchUpdate{}).Error
}
