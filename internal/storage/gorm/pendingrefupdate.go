package gorm

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"critic/internal/domain"
	"critic/internal/logger"
	"critic/internal/storage"
)

type pendingRefUpdateRepository struct {
	db *gorm.DB
}

func NewPendingRefUpdateRepository(db *gorm.DB) storage.PendingRefUpdateRepository {
	return &pendingRefUpdateRepository{db: db}
}

func (r *pendingRefUpdateRepository) Create(ctx context.Context, update *domain.PendingRefUpdate) error {
	row := &PendingRefUpdate{
		RepositoryID: update.RepositoryID,
		Name:         update.Name,
		OldSHA1:      update.OldSHA1,
		NewSHA1:      update.NewSHA1,
		Updater:      update.UpdaterID,
		Flags:        datatypes.JSON(update.Flags),
		State:        string(domain.PendingRefUpdatePreliminary),
		StartedAt:    r.db.NowFunc(),
	}
	if len(row.Flags) == 0 {
		row.Flags = datatypes.JSON("{}")
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return translateError(err)
	}

	log.Info().
		Str("session_id", logger.GetSessionID(ctx)).
		Str("layer", "storage").
		Int64("pendingrefupdate_id", row.ID).
		Str("ref", update.Name).
		Msg("inserted preliminary ref update")

	*update = *toDomainPendingRefUpdate(*row)
	return nil
}

func (r *pendingRefUpdateRepository) GetByID(ctx context.Context, id int64) (*domain.PendingRefUpdate, error) {
	var row PendingRefUpdate
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainPendingRefUpdate(row), nil
}

func (r *pendingRefUpdateRepository) ListForRef(ctx context.Context, repositoryID int64, name string) ([]domain.PendingRefUpdate, error) {
	var rows []PendingRefUpdate
	err := r.db.WithContext(ctx).
		Where("repository = ? AND name = ?", repositoryID, name).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainPendingRefUpdates(rows), nil
}

func (r *pendingRefUpdateRepository) Lookup(ctx context.Context, repositoryID int64, name, oldSHA1, newSHA1 string, updaterID *int64) (*domain.PendingRefUpdate, error) {
	query := r.db.WithContext(ctx).
		Where("repository = ? AND name = ? AND old_sha1 = ? AND new_sha1 = ?", repositoryID, name, oldSHA1, newSHA1)
	if updaterID == nil {
		query = query.Where("updater IS NULL")
	} else {
		query = query.Where("updater = ?", *updaterID)
	}

	var row PendingRefUpdate
	if err := query.Order("id DESC").Take(&row).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainPendingRefUpdate(row), nil
}

func (r *pendingRefUpdateRepository) ListByState(ctx context.Context, state domain.PendingRefUpdateState) ([]domain.PendingRefUpdate, error) {
	var rows []PendingRefUpdate
	if err := r.db.WithContext(ctx).Where("state = ?", string(state)).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainPendingRefUpdates(rows), nil
}

// Transition is the only way states change; the guard on the current state makes concurrent claims safe
func (r *pendingRefUpdateRepository) Transition(ctx context.Context, id int64, from, to domain.PendingRefUpdateState) error {
	result := r.db.WithContext(ctx).
		Model(&PendingRefUpdate{}).
		Where("id = ? AND state = ?", id, string(from)).
		Update("state", string(to))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		log.Warn().
			Str("session_id", logger.GetSessionID(ctx)).
			Str("layer", "storage").
			Int64("pendingrefupdate_id", id).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("pending ref update not in expected state")
		return storage.ErrConflict
	}
	return nil
}

func (r *pendingRefUpdateRepository) SetBranchUpdate(ctx context.Context, id, branchUpdateID int64) error {
	return r.db.WithContext(ctx).
		Model(&PendingRefUpdate{}).
		Where("id = ?", id).
		Update("branchupdate", branchUpdateID).Error
}

func (r *pendingRefUpdateRepository) SetAbandoned(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&PendingRefUpdate{}).
		Where("id IN ?", ids).
		Update("abandoned", true).Error
}

func (r *pendingRefUpdateRepository) AddOutput(ctx context.Context, id int64, output string, traceback bool) error {
	return r.db.WithContext(ctx).Create(&PendingRefUpdateOutput{
		PendingRefUpdateID: id,
		Output:             output,
		Traceback:          traceback,
	}).Error
}

func (r *pendingRefUpdateRepository) Outputs(ctx context.Context, id int64, afterID int64) ([]domain.PendingRefUpdateOutput, error) {
	var rows []PendingRefUpdateOutput
	err := r.db.WithContext(ctx).
		Where("pendingrefupdate = ? AND id > ?", id, afterID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	outputs := make([]domain.PendingRefUpdateOutput, 0, len(rows))
	for _, row := range rows {
		outputs = append(outputs, domain.PendingRefUpdateOutput{
			ID:                 row.ID,
			PendingRefUpdateID: row.PendingRefUpdateID,
			Output:             row.Output,
			Traceback:          row.Traceback,
		})
	}
	return outputs, nil
}

func (r *pendingRefUpdateRepository) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	db := r.db.WithContext(ctx)
	if err := db.Where("pendingrefupdate IN ?", ids).Delete(&PendingRefUpdateOutput{}).Error; err != nil {
		return err
	}
	if err := db.Model(&BranchUpdate{}).Where("pendingrefupdate IN ?", ids).Update("pendingrefupdate", nil).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&PendingRefUpdate{}).Error
}

func (r *pendingRefUpdateRepository) CountByState(ctx context.Context) (map[domain.PendingRefUpdateState]int64, error) {
	type row struct {
		State string
		Count int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&PendingRefUpdate{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.PendingRefUpdateState]int64, len(rows))
	for _, r := range rows {
		counts[domain.PendingRefUpdateState(r.State)] = r.Count
	}
	return counts, nil
}

func toDomainPendingRefUpdate(row PendingRefUpdate) *domain.PendingRefUpdate {
	return &domain.PendingRefUpdate{
		ID:             row.ID,
		RepositoryID:   row.RepositoryID,
		Name:           row.Name,
		OldSHA1:        row.OldSHA1,
		NewSHA1:        row.NewSHA1,
		UpdaterID:      row.Updater,
		Flags:          json.RawMessage(row.Flags),
		State:          domain.PendingRefUpdateState(row.State),
		StartedAt:      row.StartedAt,
		BranchUpdateID: row.BranchUpdate,
		Abandoned:      row.Abandoned,
	}
}

func toDomainPendingRefUpdates(rows []PendingRefUpdate) []domain.PendingRefUpdate {
	updates := make([]domain.PendingRefUpdate, 0, len(rows))
	for _, row := range rows {
		updates = append(updates, *toDomainPendingRefUpdate(row))
	}
	return updates
}
