package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(_ context.Context, process types.ProcessID, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) eventsFor(process types.ProcessID) []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Event
	for _, ev := range p.events {
		if ev.Process == process {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeProbe struct {
	mu   sync.Mutex
	dead map[int]bool
}

func newFakeProbe(dead ...int) *fakeProbe {
	p := &fakeProbe{dead: make(map[int]bool)}
	for _, pid := range dead {
		p.dead[pid] = true
	}
	return p
}

func (p *fakeProbe) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

func (p *fakeProbe) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[pid] = true
}

// conflictingStore loses the first failures compare-and-swaps.
type conflictingStore struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (s *conflictingStore) CompareAndSwap(
	ctx context.Context,
	class types.ResourceClass,
	expected uint64,
	next types.ClassState,
) (types.ClassState, error) {
	if s.failures.Add(-1) >= 0 {
		return types.ClassState{}, storage.ErrConflict
	}
	return s.MemoryStore.CompareAndSwap(ctx, class, expected, next)
}

// unavailableStore fails every read.
type unavailableStore struct {
	*storage.MemoryStore
}

func (s *unavailableStore) Get(context.Context, types.ResourceClass) (types.ClassState, error) {
	return types.ClassState{}, storage.ErrBackendUnavailable
}

type countingMetrics struct {
	NoOpMetrics
	conflicts  atomic.Int32
	evictions  atomic.Int32
	promotions atomic.Int32
}

func (m *countingMetrics) IncrConflict(types.ResourceClass) { m.conflicts.Add(1) }

func (m *countingMetrics) IncrEviction(types.ResourceClass, EvictionReason) { m.evictions.Add(1) }

func (m *countingMetrics) ObservePromotion(types.ResourceClass, time.Duration) { m.promotions.Add(1) }

type testEnv struct {
	arb   Arbiter
	store storage.StateStore
	clock *testutil.MockClock
	pub   *recordingPublisher
}

func newTestEnv(t *testing.T, opts ...ArbiterOption) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewMemoryStore(), opts...)
}

func newTestEnvWithStore(t *testing.T, store storage.StateStore, opts ...ArbiterOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store,
		clock: testutil.NewMockClock(),
		pub:   &recordingPublisher{},
	}
	base := []ArbiterOption{
		WithClock(env.clock),
		WithPublisher(env.pub),
		WithRand(testutil.FixedRand{F: 0.5}),
	}
	arb, err := NewArbiter(store, append(base, opts...)...)
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { _ = arb.Close() })
	env.arb = arb
	return env
}

func fg(process types.ProcessID) types.Requester {
	return types.Requester{Process: process, Lifecycle: types.LifecycleForeground}
}

func bg(process types.ProcessID) types.Requester {
	return types.Requester{Process: process, Lifecycle: types.LifecycleBackground}
}

func (e *testEnv) mustAcquire(t *testing.T, class types.ResourceClass, req types.Requester) types.AcquireResult {
	t.Helper()
	res, err := e.arb.Acquire(context.Background(), class, req)
	testutil.RequireNoError(t, err)
	return res
}

func (e *testEnv) status(t *testing.T, class types.ResourceClass) types.ClassState {
	t.Helper()
	cs, err := e.arb.Status(context.Background(), class)
	testutil.RequireNoError(t, err)
	return cs
}

func holderOf(cs types.ClassState) types.ProcessID {
	if cs.Holder == nil {
		return ""
	}
	return cs.Holder.Owner
}

func queueOf(cs types.ClassState) []types.ProcessID {
	out := make([]types.ProcessID, 0, len(cs.Queue))
	for _, w := range cs.Queue {
		out = append(out, w.Process)
	}
	return out
}
