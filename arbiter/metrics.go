package arbiter

import (
	"time"

	"github.com/jathurchan/accesslock/types"
)

// EvictionReason explains why a holder was removed without releasing.
type EvictionReason string

const (
	// EvictionHeartbeatTimeout means the holder stopped heartbeating.
	EvictionHeartbeatTimeout EvictionReason = "heartbeat_timeout"

	// EvictionProcessGone means the holder's operating system process no longer exists.
	EvictionProcessGone EvictionReason = "process_gone"
)

// Metrics defines the interface for recording arbitration metrics.
// All methods must be safe for concurrent use.
type Metrics interface {
	// IncrAcquire counts an acquire outcome by resulting state.
	IncrAcquire(class types.ResourceClass, state types.State)

	// IncrRelease counts releases; released is false for non-holder no-ops.
	IncrRelease(class types.ResourceClass, released bool)

	// IncrHeartbeat counts heartbeats; ok is false for non-holders.
	IncrHeartbeat(class types.ResourceClass, ok bool)

	// IncrEviction counts holders removed without their cooperation.
	IncrEviction(class types.ResourceClass, reason EvictionReason)

	// IncrCancel counts cancellations; removed is false for unknown tokens.
	IncrCancel(class types.ResourceClass, removed bool)

	// IncrConflict counts lost compare-and-swap attempts.
	IncrConflict(class types.ResourceClass)

	// ObservePromotion records how long a promoted waiter spent in the queue.
	ObservePromotion(class types.ResourceClass, waited time.Duration)

	// ObserveHoldDuration records how long a holder kept the class.
	ObserveHoldDuration(class types.ResourceClass, held time.Duration, byRelease bool)

	// SetQueueLength reports the current wait queue length of a class.
	SetQueueLength(class types.ResourceClass, n int)
}

// NoOpMetrics implements Metrics with empty methods.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a Metrics that records nothing.
func NewNoOpMetrics() Metrics {
	return &NoOpMetrics{}
}

func (m *NoOpMetrics) IncrAcquire(types.ResourceClass, types.State)                  {}
func (m *NoOpMetrics) IncrRelease(types.ResourceClass, bool)                         {}
func (m *NoOpMetrics) IncrHeartbeat(types.ResourceClass, bool)                       {}
func (m *NoOpMetrics) IncrEviction(types.ResourceClass, EvictionReason)              {}
func (m *NoOpMetrics) IncrCancel(types.ResourceClass, bool)                          {}
func (m *NoOpMetrics) IncrConflict(types.ResourceClass)                              {}
func (m *NoOpMetrics) ObservePromotion(types.ResourceClass, time.Duration)           {}
func (m *NoOpMetrics) ObserveHoldDuration(types.ResourceClass, time.Duration, bool) {}
func (m *NoOpMetrics) SetQueueLength(types.ResourceClass, int)                       {}
