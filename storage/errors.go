package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a state blob is not found.
	ErrNotFound = errors.New("not found")
)
