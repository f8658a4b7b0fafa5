package storage

import "errors"

// Storage layer errors
var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a unique key is already taken
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConflict is returned when a guarded update finds the row in an unexpected state
	ErrConflict = errors.New("data conflict")
)

const (
	// UniqueViolation is a PostgreSQL error code for unique constraint violations.
	UniqueViolation = "23505"
)
