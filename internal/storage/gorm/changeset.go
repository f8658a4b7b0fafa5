package gorm

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"critic/internal/domain"
	"critic/internal/storage"
)

type changesetRepository struct {
	db *gorm.DB
}

func NewChangesetRepository(db *gorm.DB) storage.ChangesetRepository {
	return &changesetRepository{db: db}
}

func (r *changesetRepository) Find(ctx context.Context, repositoryID int64, fromCommitID *int64, toCommitID int64, changesetType domain.ChangesetType) (*domain.Changeset, error) {
	query := r.db.WithContext(ctx).
		Where("repository = ? AND to_commit = ? AND type = ?", repositoryID, toCommitID, string(changesetType))
	if fromCommitID == nil {
		query = query.Where("from_commit IS NULL")
	} else {
		query = query.Where("from_commit = ?", *fromCommitID)
	}

	var row Changeset
	if err := query.Order("id").Take(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withFiles(ctx, row)
}

func (r *changesetRepository) Create(ctx context.Context, changeset *domain.Changeset) error {
	row := &Changeset{
		RepositoryID: changeset.RepositoryID,
		FromCommit:   changeset.FromCommitID,
		ToCommit:     changeset.ToCommitID,
		Type:         string(changeset.Type),
		State:        string(changeset.State),
	}
	if row.State == "" {
		row.State = string(domain.ChangesetStateRequested)
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}
	changeset.ID = row.ID
	changeset.State = domain.ChangesetState(row.State)
	return nil
}

func (r *changesetRepository) GetByID(ctx context.Context, id int64) (*domain.Changeset, error) {
	var row Changeset
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withFiles(ctx, row)
}

func (r *changesetRepository) ListRequested(ctx context.Context, repositoryID int64, limit int) ([]domain.Changeset, error) {
	var rows []Changeset
	err := r.db.WithContext(ctx).
		Where("repository = ? AND state = ?", repositoryID, string(domain.ChangesetStateRequested)).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	changesets := make([]domain.Changeset, 0, len(rows))
	for _, row := range rows {
		changesets = append(changesets, domain.Changeset{
			ID:           row.ID,
			RepositoryID: row.RepositoryID,
			FromCommitID: row.FromCommit,
			ToCommitID:   row.ToCommit,
			Type:         domain.ChangesetType(row.Type),
			State:        domain.ChangesetState(row.State),
		})
	}
	return changesets, nil
}

func (r *changesetRepository) withFiles(ctx context.Context, row Changeset) (*domain.Changeset, error) {
	var files []ChangesetFile
	if err := r.db.WithContext(ctx).Where("changeset = ?", row.ID).Order("path").Find(&files).Error; err != nil {
		return nil, err
	}
	changeset := &domain.Changeset{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		FromCommitID: row.FromCommit,
		ToCommitID:   row.ToCommit,
		Type:         domain.ChangesetType(row.Type),
		State:        domain.ChangesetState(row.State),
	}
	for _, file := range files {
		changeset.Files = append(changeset.Files, domain.ChangesetFile{
			Path:     file.Path,
			Deleted:  file.Deleted,
			Inserted: file.Inserted,
		})
	}
	return changeset, nil
}

func (r *changesetRepository) SetFiles(ctx context.Context, id int64, files []domain.ChangesetFile) error {
	if len(files) > 0 {
		rows := make([]ChangesetFile, 0, len(files))
		for _, file := range files {
			rows = append(rows, ChangesetFile{
				ChangesetID: id,
				Path:        file.Path,
				Deleted:     file.Deleted,
				Inserted:    file.Inserted,
			})
		}
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, chunkSize).Error
		if err != nil {
			return err
		}
	}
	return r.db.WithContext(ctx).
		Model(&Changeset{}).
		Where("id = ?", id).
		Update("state", string(domain.ChangesetStateChangedLines)).Error
}
