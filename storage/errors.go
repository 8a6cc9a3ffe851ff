package storage

import "errors"

var (
	// ErrConflict is returned when a compare-and-swap loses to a concurrent writer.
	ErrConflict = errors.New("storage: version conflict")

	// ErrBackendUnavailable is returned when the store cannot be read or written,
	// including lock acquisition timeouts.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")

	// ErrCorruptedState is returned when a persisted class record is malformed.
	ErrCorruptedState = errors.New("storage: corrupted class state")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("storage: store closed")
)
