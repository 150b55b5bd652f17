package store

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a unique constraint or
// a concurrent state change.
var ErrConflict = errors.New("conflict")

// ErrLimitReached is returned by BindDevice when the license already has
// max_devices active bindings.
var ErrLimitReached = errors.New("device limit reached")

// isUniqueViolation matches the unique-constraint messages of the three
// supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "sqlstate 23505")
}
