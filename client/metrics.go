package client

import (
	"time"

	"github.com/jathurchan/accesslock/types"
)

// Metrics records client-side observations. Implementations must be safe
// for concurrent use.
type Metrics interface {
	// IncrSuccess counts a backend operation that succeeded.
	IncrSuccess(operation string)

	// IncrFailure counts a backend operation that failed after all retries.
	IncrFailure(operation string)

	// IncrRetry counts a retried attempt of a backend operation.
	IncrRetry(operation string)

	// ObserveLatency records the total latency of a backend operation, retries included.
	ObserveLatency(operation string, latency time.Duration)

	// IncrCallback counts a state delivered to a caller callback.
	IncrCallback(class types.ResourceClass, state types.State)

	// IncrDroppedEvent counts an event ignored as duplicate or stale.
	IncrDroppedEvent(class types.ResourceClass, reason string)

	// IncrEviction counts a held class lost because the arbiter evicted this process.
	IncrEviction(class types.ResourceClass)

	// IncrReconnect counts a re-established event stream.
	IncrReconnect()
}

// Reasons passed to IncrDroppedEvent.
const (
	dropDuplicate = "duplicate"
	dropStale     = "stale_token"
	dropUnknown   = "unknown_class"
)

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a Metrics that records nothing.
func NewNoOpMetrics() Metrics { return &NoOpMetrics{} }

func (*NoOpMetrics) IncrSuccess(string) {}
func (*NoOpMetrics) IncrFailure(string) {}
func (*NoOpMetrics) IncrRetry(string) {}
func (*NoOpMetrics) ObserveLatency(string, time.Duration) {}
func (*NoOpMetrics) IncrCallback(types.ResourceClass, types.State) {}
func (*NoOpMetrics) IncrDroppedEvent(types.ResourceClass, string) {}
func (*NoOpMetrics) IncrEviction(types.ResourceClass) {}
func (*NoOpMetrics) IncrReconnect() {}
