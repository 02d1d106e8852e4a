package database

import "errors"

// Domain-specific errors for database operations.
var (
	// ErrMigrationNotFound is returned when an applied migration has no file.
	ErrMigrationNotFound = errors.New("database: migration not found")

	// ErrNoDownSQL is returned when rolling back a migration without a down file.
	ErrNoDownSQL = errors.New("database: migration has no down SQL")
)
