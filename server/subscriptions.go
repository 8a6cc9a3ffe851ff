package server

import (
	"sync"
	"time"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/types"
)

// SubscriptionInfo holds metadata about an open event stream.
type SubscriptionInfo struct {
	Process     types.ProcessID // Process the stream delivers to
	OpenedAt    time.Time       // Time the stream was opened
	LastEventAt time.Time       // Last time an event was written, zero if none
	EventCount  int64           // Events written to the stream
}

// SubscriptionManager tracks the event streams currently served.
type SubscriptionManager interface {
	// Registers a new stream
	OnSubscribe(process types.ProcessID)

	// Removes a stream
	OnUnsubscribe(process types.ProcessID)

	// Records an event written to a stream
	OnEvent(process types.ProcessID)

	// Returns the number of open streams
	ActiveSubscriptions() int

	// Returns a snapshot of all open streams
	Snapshot() map[types.ProcessID]SubscriptionInfo
}

// subscriptionManager is the default implementation of SubscriptionManager.
type subscriptionManager struct {
	mu sync.RWMutex

	// Open streams keyed by process
	subs map[types.ProcessID]*SubscriptionInfo

	metrics ServerMetrics
	logger  logger.Logger
	clock   clock.Clock
}

// NewSubscriptionManager returns a new SubscriptionManager.
// Falls back to the standard clock if none is given.
func NewSubscriptionManager(
	metrics ServerMetrics,
	log logger.Logger,
	clk clock.Clock,
) SubscriptionManager {
	if clk == nil {
		clk = clock.NewStandardClock()
	}
	if metrics == nil {
		metrics = NewNoOpServerMetrics()
	}
	return &subscriptionManager{
		subs:    make(map[types.ProcessID]*SubscriptionInfo),
		metrics: metrics,
		logger:  log.WithComponent("subscriptions"),
		clock:   clk,
	}
}

func (sm *subscriptionManager) OnSubscribe(process types.ProcessID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.subs[process]; exists {
		sm.logger.Warnw("Subscription already tracked", "process", process)
		return
	}

	sm.subs[process] = &SubscriptionInfo{
		Process:  process,
		OpenedAt: sm.clock.Now(),
	}
	total := len(sm.subs)
	sm.metrics.SetActiveSubscriptions(total)
	sm.logger.Debugw("Event stream opened", "process", process, "total_subscriptions", total)
}

func (sm *subscriptionManager) OnUnsubscribe(process types.ProcessID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	info, exists := sm.subs[process]
	if !exists {
		return
	}
	delete(sm.subs, process)
	sm.metrics.SetActiveSubscriptions(len(sm.subs))
	sm.logger.Debugw("Event stream closed",
		"process", process,
		"events", info.EventCount,
		"total_subscriptions", len(sm.subs),
	)
}

func (sm *subscriptionManager) OnEvent(process types.ProcessID) {
	now := sm.clock.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	info, exists := sm.subs[process]
	if !exists {
		sm.logger.Debugw("Event for untracked subscription", "process", process)
		return
	}
	info.LastEventAt = now
	info.EventCount++
	sm.metrics.IncrEventsStreamed()
}

func (sm *subscriptionManager) ActiveSubscriptions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subs)
}

func (sm *subscriptionManager) Snapshot() map[types.ProcessID]SubscriptionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[types.ProcessID]SubscriptionInfo, len(sm.subs))
	for p, info := range sm.subs {
		out[p] = *info
	}
	return out
}
