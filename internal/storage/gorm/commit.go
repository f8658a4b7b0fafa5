package gorm

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"critic/internal/domain"
	"critic/internal/storage"
)

type commitRepository struct {
	db *gorm.DB
}

func NewCommitRepository(db *gorm.DB) storage.CommitRepository {
	return &commitRepository{db: db}
}

// ExistingSHA1s queries in chunks so that huge pushes stay within parameter limits
func (r *commitRepository) ExistingSHA1s(ctx context.Context, sha1s []string) (map[string]int64, error) {
	existing := make(map[string]int64, len(sha1s))
	for _, chunk := range chunks(sha1s, chunkSize) {
		var rows []Commit
		err := r.db.WithContext(ctx).
			Select("id", "sha1").
			Where("sha1 IN ?", chunk).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			existing[row.SHA1] = row.ID
		}
	}
	return existing, nil
}

// InternGitUsers selects existing identities, inserts the missing ones in one batch and selects again
func (r *commitRepository) InternGitUsers(ctx context.Context, identities []domain.GitIdentity) (map[domain.GitIdentity]int64, error) {
	ids := make(map[domain.GitIdentity]int64, len(identities))
	if len(identities) == 0 {
		return ids, nil
	}

	if err := r.selectGitUsers(ctx, identities, ids); err != nil {
		return nil, err
	}

	var missing []GitUser
	seen := make(map[domain.GitIdentity]bool)
	for _, identity := range identities {
		if _, ok := ids[identity]; ok || seen[identity] {
			continue
		}
		seen[identity] = true
		missing = append(missing, GitUser{Fullname: identity.Fullname, Email: identity.Email})
	}
	if len(missing) == 0 {
		return ids, nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&missing, chunkSize).Error; err != nil {
		return nil, err
	}
	if err := r.selectGitUsers(ctx, identities, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *commitRepository) selectGitUsers(ctx context.Context, identities []domain.GitIdentity, ids map[domain.GitIdentity]int64) error {
	emails := make([]string, 0, len(identities))
	for _, identity := range identities {
		emails = append(emails, identity.Email)
	}
	wanted := make(map[domain.GitIdentity]bool, len(identities))
	for _, identity := range identities {
		wanted[identity] = true
	}

	for _, chunk := range chunks(emails, chunkSize) {
		var rows []GitUser
		err := r.db.WithContext(ctx).
			Where("email IN ?", chunk).
			Order("id").
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			identity := domain.GitIdentity{Fullname: row.Fullname, Email: row.Email}
			// gitusers is not unique, the lowest id wins
			if _, ok := ids[identity]; !ok && wanted[identity] {
				ids[identity] = row.ID
			}
		}
	}
	return nil
}

func (r *commitRepository) Insert(ctx context.Context, commits []*domain.Commit) error {
	if len(commits) == 0 {
		return nil
	}

	rows := make([]Commit, 0, len(commits))
	sha1s := make([]string, 0, len(commits))
	for _, commit := range commits {
		rows = append(rows, Commit{
			SHA1:          commit.SHA1,
			AuthorGitUser: commit.AuthorID,
			AuthorTime:    commit.AuthorTime,
			CommitGitUser: commit.CommitterID,
			CommitTime:    commit.CommitTime,
		})
		sha1s = append(sha1s, commit.SHA1)
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sha1"}}, DoNothing: true}).
		CreateInBatches(&rows, chunkSize).Error
	if err != nil {
		return err
	}

	ids, err := r.ExistingSHA1s(ctx, sha1s)
	if err != nil {
		return err
	}
	for _, commit := range commits {
		commit.ID = ids[commit.SHA1]
	}
	return nil
}

func (r *commitRepository) InsertEdges(ctx context.Context, edges []domain.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([]Edge, 0, len(edges))
	for _, edge := range edges {
		rows = append(rows, Edge{Parent: edge.Parent, Child: edge.Child, Position: edge.Position})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, chunkSize).Error
}

func (r *commitRepository) GetBySHA1(ctx context.Context, sha1 string) (*domain.Commit, error) {
	var row Commit
	if err := r.db.WithContext(ctx).First(&row, "sha1 = ?", sha1).Error; err != nil {
		return nil, translateError(err)
	}
	return &domain.Commit{
		ID:          row.ID,
		SHA1:        row.SHA1,
		AuthorID:    row.AuthorGitUser,
		AuthorTime:  row.AuthorTime,
		CommitterID: row.CommitGitUser,
		CommitTime:  row.CommitTime,
	}, nil
}

func (r *commitRepository) SHA1s(ctx context.Context, ids []int64) (map[int64]string, error) {
	result := make(map[int64]string, len(ids))
	for _, chunk := range chunks(ids, chunkSize) {
		var rows []Commit
		if err := r.db.WithContext(ctx).Select("id", "sha1").Where("id IN ?", chunk).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			result[row.ID] = row.SHA1
		}
	}
	return result, nil
}

func (r *commitRepository) Parents(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64, len(ids))
	for _, chunk := range chunks(ids, chunkSize) {
		var rows []Edge
		err := r.db.WithContext(ctx).
			Where("child IN ?", chunk).
			Order("child, position").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			result[row.Child] = append(result[row.Child], row.Parent)
		}
	}
	return result, nil
}
