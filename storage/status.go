package storage

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// StorageStatus is the health of a state store as seen by its last operation.
type StorageStatus int32

const (
	// StorageStatusUnknown is the status before the store is opened.
	StorageStatusUnknown StorageStatus = iota

	// StorageStatusReady means the last operation reached the backend.
	StorageStatusReady

	// StorageStatusDegraded indicates the last operation hit an unavailable or
	// corrupted backend. The store keeps serving and returns to Ready on the
	// next successful operation.
	StorageStatusDegraded

	// StorageStatusClosed is final.
	StorageStatusClosed
)

func (s StorageStatus) String() string {
	switch s {
	case StorageStatusUnknown:
		return "Unknown"
	case StorageStatusReady:
		return "Ready"
	case StorageStatusDegraded:
		return "Degraded"
	case StorageStatusClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// statusTracker holds a store's status. Once closed it never changes again.
type statusTracker struct {
	v atomic.Int32
}

func (st *statusTracker) load() StorageStatus {
	return StorageStatus(st.v.Load())
}

// set moves to next unless the store is closed, and reports whether it did.
func (st *statusTracker) set(next StorageStatus) bool {
	for {
		cur := st.v.Load()
		if StorageStatus(cur) == StorageStatusClosed {
			return false
		}
		if st.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (st *statusTracker) close() {
	st.v.Store(int32(StorageStatusClosed))
}

// record derives the status from the outcome of an operation. Errors that
// say nothing about backend health, such as ErrConflict, leave it unchanged.
func (st *statusTracker) record(err error) {
	switch {
	case err == nil:
		st.set(StorageStatusReady)
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrCorruptedState):
		st.set(StorageStatusDegraded)
	}
}
