package arbiter

import (
	"context"
	"time"

	"github.com/jathurchan/accesslock/types"
)

// Arbiter decides who holds each resource class and keeps the shared
// StateStore consistent while doing so.
//
// Notes:
//   - Every mutation is one compare-and-swap against the store, retried with
//     bounded backoff when another writer wins the race.
//   - Asynchronous state changes (promotion, background notices) are published
//     after the swap commits, carrying the committed version as Seq.
//   - All methods are safe for concurrent use, including from several
//     processes sharing a file-backed store.
type Arbiter interface {
	// Acquire requests the class for a process. It never blocks on the resource.
	//
	// Returns:
	//   - Granted=true with StateFree when the requester becomes (or already is) holder.
	//   - Granted=false with StateWait, or StateAppInBackground for a backgrounded
	//     requester, together with the queue token.
	//   - ErrWaitQueueFull, ErrConflict, ErrBackendUnavailable, ErrInvalidClass,
	//     ErrInvalidProcess, or ErrClosed.
	Acquire(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error)

	// Release clears the holder if it belongs to process and promotes the first
	// eligible waiter. Releasing a class held by someone else is a logged no-op
	// that returns false.
	Release(ctx context.Context, class types.ResourceClass, process types.ProcessID) (bool, error)

	// Heartbeat refreshes the holder's liveness stamp.
	//
	// Returns ErrNotHolder when process does not hold the class, which tells a
	// client that it has been evicted.
	Heartbeat(ctx context.Context, class types.ResourceClass, process types.ProcessID) error

	// EvictStale evicts a holder whose last heartbeat is older than timeout (or
	// whose process is gone, when a ProcessProbe is configured) and performs the
	// same promotion as Release. A non-positive timeout uses the configured one.
	EvictStale(ctx context.Context, class types.ResourceClass, timeout time.Duration) (bool, error)

	// Cancel withdraws a queued request. No notification fires for the
	// cancelled token. Cancelling a token that was already promoted releases
	// the class. Cancelling an unknown token is a no-op returning false.
	Cancel(ctx context.Context, token types.Token) (bool, error)

	// SetLifecycle records a foreground/background transition for a holder or
	// waiter of the class, publishing the resulting state to that process.
	SetLifecycle(ctx context.Context, class types.ResourceClass, process types.ProcessID, lifecycle types.LifecycleState) error

	// Status returns a snapshot of the class record.
	Status(ctx context.Context, class types.ResourceClass) (types.ClassState, error)

	// Classes lists classes known to the store.
	Classes(ctx context.Context) ([]types.ResourceClass, error)

	// Run sweeps all classes for stale holders every sweep interval until ctx
	// is cancelled or the arbiter is closed.
	Run(ctx context.Context) error

	// Close stops the sweeper. The underlying store is not closed.
	Close() error
}

// Publisher delivers events produced by committed transitions.
type Publisher interface {
	Publish(ctx context.Context, process types.ProcessID, event types.Event) error
}

// ProcessProbe reports whether an operating system process is still running.
type ProcessProbe interface {
	Alive(pid int) bool
}

// noopPublisher drops every event.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, types.ProcessID, types.Event) error { return nil }
