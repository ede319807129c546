package store

import "errors"

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when an insert violates a unique constraint.
var ErrConflict = errors.New("store: record already exists")
