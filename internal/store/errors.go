package store

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint
	// (second active conversation, second unresolved escalation, reused batch id).
	ErrConflict = errors.New("store: conflict")
)
