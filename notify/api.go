// Package notify delivers arbitration events to the processes they concern.
//
// Delivery is at-least-once: an event may arrive more than once (after a
// reconnect or a crash between handling and acknowledgement), so consumers
// drop duplicates using the event token and sequence number.
package notify

import (
	"context"
	"errors"

	"github.com/jathurchan/accesslock/types"
)

// Handler consumes events for one process. Events for a single subscriber
// are delivered in order, one at a time.
type Handler func(types.Event)

// Channel is the notification channel between the arbiter and processes.
type Channel interface {
	// Publish queues an event for process and returns without waiting for
	// the handler to run.
	Publish(ctx context.Context, process types.ProcessID, event types.Event) error

	// Subscribe registers the handler for process. A process has at most one
	// subscription per channel.
	Subscribe(process types.ProcessID, handler Handler) error

	// Unsubscribe stops delivery to process. Undelivered events are kept
	// for a later subscription.
	Unsubscribe(process types.ProcessID) error

	// Close stops all deliveries.
	Close() error
}

var (
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("notify: channel closed")

	// ErrAlreadySubscribed is returned when a process subscribes twice.
	ErrAlreadySubscribed = errors.New("notify: process already subscribed")

	// ErrNotSubscribed is returned when unsubscribing an unknown process.
	ErrNotSubscribed = errors.New("notify: process not subscribed")

	// ErrInvalidProcess is returned for an empty or unusable process id.
	ErrInvalidProcess = errors.New("notify: invalid process id")
)
