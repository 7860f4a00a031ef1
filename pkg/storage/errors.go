package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a chat does not exist or belongs to a
	// different owner.
	ErrNotFound = errors.New("chat not found")

	// ErrConflict is returned when a chat with the given ID already exists.
	ErrConflict = errors.New("chat already exists")
)
