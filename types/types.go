package types

import (
	"time"
)

// ResourceClass identifies an independent arbitration domain, such as the
// connected accessory or the device. Classes never share holder or waiter state.
type ResourceClass string

const (
	// ClassAccessory arbitrates access to an external accessory.
	ClassAccessory ResourceClass = "accessory"

	// ClassDevice arbitrates access to the device itself.
	ClassDevice ResourceClass = "device"
)

// ProcessID identifies a participating process. It must be unique among the
// processes sharing one arbiter and stable for the lifetime of the process.
type ProcessID string

// State is the access state reported to a requester for one resource class.
type State int

const (
	// StateFree means the requester holds the resource and may use it.
	StateFree State = iota

	// StateWait means the requester is queued behind the current holder.
	StateWait

	// StateBusy means the request was denied; the requester should back off and retry.
	StateBusy

	// StateAppInBackground means the requester is backgrounded and must not
	// expect to interact with the resource until it returns to the foreground.
	StateAppInBackground
)

// LifecycleState is the application lifecycle of a process as reported by the
// application framework.
type LifecycleState int

const (
	// LifecycleForeground is the default lifecycle state.
	LifecycleForeground LifecycleState = iota

	// LifecycleBackground marks a suspended or backgrounded process.
	LifecycleBackground
)

// Token correlates one request with its eventual resolution. Callers should
// treat it as opaque.
type Token struct {
	Class ResourceClass `json:"class"`
	ID    string        `json:"id"`
}

// Requester describes the process issuing an acquire.
type Requester struct {
	// Process is the logical process identity.
	Process ProcessID `json:"process"`

	// PID is the operating system process id, or 0 if unknown.
	// Used only for liveness probing of holders.
	PID int `json:"pid,omitempty"`

	// Lifecycle is the requester's current application lifecycle state.
	Lifecycle LifecycleState `json:"lifecycle"`
}

// HolderRecord describes the process currently granted a resource class.
type HolderRecord struct {
	Class           ResourceClass  `json:"class"`
	Owner           ProcessID      `json:"owner"`
	PID             int            `json:"pid,omitempty"`
	Token           Token          `json:"token"`
	Lifecycle       LifecycleState `json:"lifecycle"`
	AcquiredAt      time.Time      `json:"acquired_at"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
}

// Waiter is a queued requester. Queue order is the fairness contract.
type Waiter struct {
	Process    ProcessID      `json:"process"`
	PID        int            `json:"pid,omitempty"`
	Token      Token          `json:"token"`
	Lifecycle  LifecycleState `json:"lifecycle"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// ClassState is the shared record for one resource class as kept by a state store.
type ClassState struct {
	Class ResourceClass `json:"class"`

	// Version is the compare-and-swap stamp. It starts at 0 for a class that
	// has never been written and increases by one on every successful swap.
	Version uint64 `json:"version"`

	// Holder is nil when the resource is free.
	Holder *HolderRecord `json:"holder,omitempty"`

	// Queue holds pending requesters in FIFO order.
	Queue []Waiter `json:"queue,omitempty"`
}

// Event is a state transition delivered to a single process.
type Event struct {
	Token   Token     `json:"token"`
	Process ProcessID `json:"process"`
	State   State     `json:"state"`

	// Seq is the class version that produced the event. It increases
	// monotonically per class, so consumers drop anything at or below the
	// last sequence seen for a token.
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
}

// AcquireResult is the synchronous answer to an acquire.
type AcquireResult struct {
	Token   Token `json:"token"`
	State   State `json:"state"`
	Granted bool  `json:"granted"`

	// Position is the zero-based queue position when not granted, -1 otherwise.
	Position int `json:"position"`

	// Seq is the class version the decision was based on.
	Seq uint64 `json:"seq"`
}
