package gorm

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"critic/internal/storage"
)

// chunkSize bounds the number of parameters of IN queries.
const chunkSize = 100

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == storage.UniqueViolation {
		return true
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite, used by the tests, reports violations only through the message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translateError maps driver errors onto the storage sentinels.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case isUniqueViolation(err):
		return storage.ErrAlreadyExists
	default:
		return err
	}
}

func chunks[T any](items []T, size int) [][]T {
	var result [][]T
	for len(items) > size {
		result = append(result, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		result = append(result, items)
	}
	return result
}
