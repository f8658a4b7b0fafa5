package gorm

import (
	"context"

	"gorm.io/gorm"

	"critic/internal/domain"
	"critic/internal/storage"
)

type settingRepository struct {
	db *gorm.DB
}

func NewSettingRepository(db *gorm.DB) storage.SettingRepository {
	return &settingRepository{db: db}
}

// Get picks the most specific of the stored scopes
func (r *settingRepository) Get(ctx context.Context, name string, userID, repositoryID *int64) (string, bool, error) {
	var rows []Setting
	if err := r.db.WithContext(ctx).Where("name = ?", name).Find(&rows).Error; err != nil {
		return "", false, err
	}

	best, bestScore := "", -1
	for _, row := range rows {
		score := 0
		if row.UserID != nil {
			if userID == nil || *row.UserID != *userID {
				continue
			}
			score++
		}
		if row.RepositoryID != nil {
			if repositoryID == nil || *row.RepositoryID != *repositoryID {
				continue
			}
			score += 2
		}
		if score > bestScore {
			best, bestScore = row.Value, score
		}
	}
	return best, bestScore >= 0, nil
}

func (r *settingRepository) Set(ctx context.Context, name, value string, userID, repositoryID *int64) error {
	query := r.db.WithContext(ctx).Where("name = ?", name)
	if userID == nil {
		query = query.Where("uid IS NULL")
	} else {
		query = query.Where("uid = ?", *userID)
	}
	if repositoryID == nil {
		query = query.Where("repository IS NULL")
	} else {
		query = query.Where("repository = ?", *repositoryID)
	}
	if err := query.Delete(&Setting{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&Setting{
		Name:         name,
		Value:        value,
		UserID:       userID,
		RepositoryID: repositoryID,
	}).Error
}

type trackedBranchRepository struct {
	db *gorm.DB
}

func NewTrackedBranchRepository(db *gorm.DB) storage.TrackedBranchRepository {
	return &trackedBranchRepository{db: db}
}

func (r *trackedBranchRepository) Create(ctx context.Context, branch *domain.TrackedBranch) error {
	row := &TrackedBranch{
		RepositoryID: branch.RepositoryID,
		LocalName:    branch.LocalName,
		Remote:       branch.Remote,
		RemoteName:   branch.RemoteName,
		Disabled:     branch.Disabled,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	branch.ID = row.ID
	return nil
}

func (r *trackedBranchRepository) GetByLocalName(ctx context.Context, repositoryID int64, localName string) (*domain.TrackedBranch, error) {
	var row TrackedBranch
	err := r.db.WithContext(ctx).
		Where("repository = ? AND local_name = ?", repositoryID, localName).
		Take(&row).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &domain.TrackedBranch{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		LocalName:    row.LocalName,
		Remote:       row.Remote,
		RemoteName:   row.RemoteName,
		Disabled:     row.Disabled,
	}, nil
}
