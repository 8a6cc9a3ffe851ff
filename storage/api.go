package storage

import (
	"context"

	"github.com/jathurchan/accesslock/types"
)

// StateStore persists the shared record for each resource class.
//
// Every mutation goes through CompareAndSwap, so concurrent writers (goroutines
// or separate processes sharing the backend) serialize per class on the
// version stamp. Implementations must be safe for concurrent use.
type StateStore interface {
	// Get returns the current state for a class. A class that has never been
	// written yields a zero ClassState with Version 0 and the class name set.
	//
	// Returns:
	//   - ErrBackendUnavailable if the backend cannot be reached in time.
	//   - ErrCorruptedState if the persisted record cannot be decoded.
	//   - ErrClosed after Close.
	Get(ctx context.Context, class types.ResourceClass) (types.ClassState, error)

	// CompareAndSwap replaces the state of a class with next, provided the
	// stored version still equals expected. The stored record receives
	// Version expected+1 and is returned.
	//
	// Returns:
	//   - ErrConflict if another writer committed first.
	//   - ErrBackendUnavailable if the backend cannot be reached in time.
	//   - ErrClosed after Close.
	CompareAndSwap(ctx context.Context, class types.ResourceClass, expected uint64, next types.ClassState) (types.ClassState, error)

	// Classes lists every class that has a stored record.
	Classes(ctx context.Context) ([]types.ResourceClass, error)

	// Status reports the operational status of the store.
	Status() StorageStatus

	// Close releases resources. Further calls fail with ErrClosed.
	Close() error
}
