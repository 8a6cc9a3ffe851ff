// Package client gives application processes access to the arbiter.
//
// A Handle is the per-process entry point. It requests resource classes,
// delivers their states to callbacks, keeps held classes alive with a
// heartbeat loop, and reports the process lifecycle to the arbiter. The
// arbiter is reached through a Backend: in-process (NewLocalBackend, with
// a file-backed store shared by all processes) or through the arbiterd
// daemon (NewRemote).
package client

import (
	"context"

	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/types"
)

// Callback receives the state of one resource class for this process.
// It runs on a goroutine owned by the Handle; callbacks of one Handle are
// never invoked concurrently and may call back into the Handle.
type Callback func(state types.State)

// Backend is the arbiter together with the notification channel of this
// process, as seen by a Handle.
type Backend interface {
	Acquire(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error)
	Release(ctx context.Context, class types.ResourceClass, process types.ProcessID) (bool, error)
	Heartbeat(ctx context.Context, class types.ResourceClass, process types.ProcessID) error
	Cancel(ctx context.Context, token types.Token) (bool, error)
	SetLifecycle(ctx context.Context, class types.ResourceClass, process types.ProcessID, lifecycle types.LifecycleState) error
	Status(ctx context.Context, class types.ResourceClass) (types.ClassState, error)

	// Subscribe registers the event handler of process. Events for one
	// process are delivered in order and at least once.
	Subscribe(process types.ProcessID, handler notify.Handler) error

	// Unsubscribe stops event delivery to process.
	Unsubscribe(process types.ProcessID) error
}

// SlotPhase is the local progress of one resource class request.
type SlotPhase int

const (
	// PhaseIdle means no request is outstanding for the class.
	PhaseIdle SlotPhase = iota

	// PhasePending means the process is queued for the class.
	PhasePending

	// PhaseHolding means the process holds the class.
	PhaseHolding
)

// String returns the phase name.
func (p SlotPhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePending:
		return "PENDING"
	case PhaseHolding:
		return "HOLDING"
	default:
		return "UNKNOWN"
	}
}

// SlotStatus is the local view a Handle keeps of one resource class.
type SlotStatus struct {
	Class types.ResourceClass
	Phase SlotPhase
	Token types.Token

	// State is the last state delivered to the callback. It is only
	// meaningful when Notified is true.
	State    types.State
	Notified bool

	// Seq is the highest event sequence applied for Token.
	Seq uint64
}
