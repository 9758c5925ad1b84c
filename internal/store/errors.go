package store

import (
	"errors"
	"fmt"
)

// ErrEmptyID is returned when a write names no id.
var ErrEmptyID = errors.New("store: empty id")

// IDConflictError is returned when an id already denotes an entity of a
// different type in this store session.
type IDConflictError struct {
	ID        string
	Owner     EntityType
	Attempted EntityType
}

func (e *IDConflictError) Error() string {
	return fmt.Sprintf("store: id %q belongs to %s, cannot store it as %s", e.ID, e.Owner, e.Attempted)
}

// TypeMismatchError is returned when a record does not have the Go type
// its entity type was defined with.
type TypeMismatchError struct {
	Entity EntityType
	Got    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("store: record of type %s is not valid for %s", e.Got, e.Entity)
}

// IsIDConflict returns true if err is an IDConflictError.
// Uses errors.As to handle wrapped errors.
func IsIDConflict(err error) bool {
	var ce *IDConflictError
	return errors.As(err, &ce)
}
