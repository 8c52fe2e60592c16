package repository

import (
	"database/sql"
	"errors"
	"fmt"
)

// Store errors, checked with errors.Is
var (
	// ErrNotFound is returned when no node, workshop, session or machine matches
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a unique key such as a workshop name is taken
	ErrDuplicate = errors.New("record already exists")

	// ErrInvalidEntity is returned when a record fails validation or references a missing parent
	ErrInvalidEntity = errors.New("invalid record")
)

// requireAffected turns an UPDATE or DELETE that matched nothing into ErrNotFound
func requireAffected(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
