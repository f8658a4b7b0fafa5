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

type repositoryRepository struct {
	db *gorm.DB
}

func NewRepositoryRepository(db *gorm.DB) storage.RepositoryRepository {
	return &repositoryRepository{db: db}
}

func (r *repositoryRepository) Create(ctx context.Context, repository *domain.Repository) error {
	dbRepository := &Repository{Name: repository.Name, Path: repository.Path}
	if err := r.db.WithContext(ctx).Create(dbRepository).Error; err != nil {
		return translateError(err)
	}
	repository.ID = dbRepository.ID
	return nil
}

func (r *repositoryRepository) GetByID(ctx context.Context, id int64) (*domain.Repository, error) {
	var dbRepository Repository
	if err := r.db.WithContext(ctx).First(&dbRepository, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return toDomainRepository(dbRepository), nil
}

func (r *repositoryRepository) GetByName(ctx context.Context, name string) (*domain.Repository, error) {
	var dbRepository Repository
	if err := r.db.WithContext(ctx).First(&dbRepository, "name = ?", name).Error; err != nil {
		err = translateError(err)
		if err == storage.ErrNotFound {
			log.Warn().
				Str("session_id", logger.GetSessionID(ctx)).
				Str("layer", "storage").
				Str("repository", name).
				Msg("repository not found")
		}
		return nil, err
	}
	return toDomainRepository(dbRepository), nil
}

func toDomainRepository(r Repository) *domain.Repository {
	return &domain.Repository{ID: r.ID, Name: r.Name, Path: r.Path}
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates the users repository
func NewUserRepository(db *gorm.DB) storage.UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	dbUser := &User{Name: user.Name, Fullname: user.Fullname, Email: user.Email}
	if err := r.db.WithContext(ctx).Create(dbUser).Error; err != nil {
		return translateError(err)
	}
	user.ID = dbUser.ID
	for _, role := range user.Roles {
		if err := r.AddRole(ctx, user.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var dbUser User
	if err := r.db.WithContext(ctx).First(&dbUser, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withRoles(ctx, dbUser)
}

// GetByName looks the user up by login name
func (r *userRepository) GetByName(ctx context.Context, name string) (*domain.User, error) {
	var dbUser User
	if err := r.db.WithContext(ctx).First(&dbUser, "name = ?", name).Error; err != nil {
		return nil, translateError(err)
	}
	return r.withRoles(ctx, dbUser)
}

func (r *userRepository) withRoles(ctx context.Context, dbUser User) (*domain.User, error) {
	var roles []string
	err := r.db.WithContext(ctx).
		Model(&UserRole{}).
		Where("uid = ?", dbUser.ID).
		Order("role").
		Pluck("role", &roles).Error
	if err != nil {
		return nil, err
	}
	return &domain.User{
		ID:       dbUser.ID,
		Name:     dbUser.Name,
		Fullname: dbUser.Fullname,
		Email:    dbUser.Email,
		Roles:    roles,
	}, nil
}

func (r *userRepository) AddRole(ctx context.Context, userID int64, role string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserRole{UserID: userID, Role: role}).Error
}
