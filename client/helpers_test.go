package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

const waitTimeout = 2 * time.Second

// localEnv is an in-process arbiter shared by several handles.
type localEnv struct {
	arb     arbiter.Arbiter
	hub     *notify.Hub
	clock   *testutil.MockClock
	backend Backend
}

func newLocalEnv(t *testing.T) *localEnv {
	t.Helper()

	env := &localEnv{
		hub:   notify.NewHub(),
		clock: testutil.NewMockClock(),
	}
	arb, err := arbiter.NewArbiter(storage.NewMemoryStore(),
		arbiter.WithClock(env.clock),
		arbiter.WithRand(testutil.FixedRand{F: 0.5}),
		arbiter.WithPublisher(env.hub),
		arbiter.WithHeartbeatTimeout(5*time.Second),
		arbiter.WithSweepInterval(time.Second),
	)
	testutil.RequireNoError(t, err)
	env.arb = arb

	backend, err := NewLocalBackend(arb, env.hub)
	testutil.RequireNoError(t, err)
	env.backend = backend

	t.Cleanup(func() {
		_ = arb.Close()
		_ = env.hub.Close()
	})
	return env
}

func (env *localEnv) handle(t *testing.T, process types.ProcessID, mods ...func(*Config)) *Handle {
	t.Helper()
	return newTestHandle(t, env.backend, env.clock, process, mods...)
}

func (env *localEnv) status(t *testing.T, class types.ResourceClass) types.ClassState {
	t.Helper()
	st, err := env.arb.Status(testContext(t), class)
	testutil.RequireNoError(t, err)
	return st
}

func newTestHandle(t *testing.T, backend Backend, clk clock.Clock, process types.ProcessID, mods ...func(*Config)) *Handle {
	t.Helper()

	cfg := DefaultConfig(process)
	cfg.Clock = clk
	cfg.HeartbeatInterval = time.Second
	for _, mod := range mods {
		mod(&cfg)
	}
	h, err := NewHandle(backend, cfg)
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recorder is a Callback that remembers every state it received.
type recorder struct {
	mu     sync.Mutex
	states []types.State
}

func (r *recorder) callback(state types.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) snapshot() []types.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.State(nil), r.states...)
}

func (r *recorder) last() (types.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) waitFor(t *testing.T, want types.State) {
	t.Helper()
	testutil.Eventually(t, waitTimeout, func() bool {
		got, ok := r.last()
		return ok && got == want
	}, "callback never reported %v, got %v", want, r.snapshot())
}

// fakeBackend is a scripted Backend for state machine tests.
type fakeBackend struct {
	mu sync.Mutex

	acquireFn func(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error)
	handler   notify.Handler

	releases   []types.ResourceClass
	cancels    []types.Token
	heartbeats int
	lifecycles []types.LifecycleState

	heartbeatErr error
	unsubscribed bool
}

func (f *fakeBackend) Acquire(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error) {
	f.mu.Lock()
	fn := f.acquireFn
	f.mu.Unlock()
	if fn == nil {
		return types.AcquireResult{Token: types.NewToken(class), State: types.StateFree, Granted: true, Position: -1, Seq: 1}, nil
	}
	return fn(ctx, class, req)
}

func (f *fakeBackend) Release(_ context.Context, class types.ResourceClass, _ types.ProcessID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, class)
	return true, nil
}

func (f *fakeBackend) Heartbeat(context.Context, types.ResourceClass, types.ProcessID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeBackend) Cancel(_ context.Context, token types.Token) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, token)
	return true, nil
}

func (f *fakeBackend) SetLifecycle(_ context.Context, _ types.ResourceClass, _ types.ProcessID, lifecycle types.LifecycleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycles = append(f.lifecycles, lifecycle)
	return nil
}

func (f *fakeBackend) Status(_ context.Context, class types.ResourceClass) (types.ClassState, error) {
	return types.ClassState{Class: class}, nil
}

func (f *fakeBackend) Subscribe(_ types.ProcessID, handler notify.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBackend) Unsubscribe(types.ProcessID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeBackend) deliver(ev types.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeBackend) setAcquire(fn func(context.Context, types.ResourceClass, types.Requester) (types.AcquireResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireFn = fn
}

func (f *fakeBackend) calls() (releases []types.ResourceClass, cancels []types.Token, heartbeats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(releases, f.releases...), append(cancels, f.cancels...), f.heartbeats
}

// recordingMetrics counts client observations.
type recordingMetrics struct {
	NoOpMetrics

	mu        sync.Mutex
	dropped   map[string]int
	evictions int
	callbacks int
	retries   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{dropped: make(map[string]int)}
}

func (m *recordingMetrics) IncrDroppedEvent(_ types.ResourceClass, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) IncrEviction(types.ResourceClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

func (m *recordingMetrics) IncrCallback(types.ResourceClass, types.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks++
}

func (m *recordingMetrics) IncrRetry(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *recordingMetrics) get(fn func(*recordingMetrics) int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}
