package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/storage"
	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/transport"
	"github.com/jathurchan/accesslock/types"
)

type testDaemon struct {
	server AccessLockServer
	arb    arbiter.Arbiter
	hub    *notify.Hub
	clock  *testutil.MockClock
	conn   *grpc.ClientConn
	client *transport.ArbiterClient
	lis    *bufconn.Listener
}

type daemonOption func(*ServerBuilder)

func newTestDaemon(t *testing.T, opts ...daemonOption) *testDaemon {
	t.Helper()

	d := &testDaemon{
		hub:   notify.NewHub(),
		clock: testutil.NewMockClock(),
		lis:   bufconn.Listen(1 << 20),
	}
	arb, err := arbiter.NewArbiter(storage.NewMemoryStore(),
		arbiter.WithClock(d.clock),
		arbiter.WithRand(testutil.FixedRand{F: 0.5}),
		arbiter.WithPublisher(d.hub),
		arbiter.WithHeartbeatTimeout(5*time.Second),
		arbiter.WithSweepInterval(time.Second),
	)
	testutil.RequireNoError(t, err)
	d.arb = arb

	b := NewServerBuilder().
		WithArbiter(arb).
		WithNotifier(d.hub).
		WithListener(d.lis).
		WithSweeper(false).
		WithTimeouts(time.Second, 2*time.Second)
	for _, opt := range opts {
		opt(b)
	}
	srv, err := b.Build()
	testutil.RequireNoError(t, err)
	d.server = srv
	testutil.RequireNoError(t, srv.Start(context.Background()))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return d.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	testutil.RequireNoError(t, err)
	d.conn = conn
	d.client = transport.NewArbiterClient(conn)

	t.Cleanup(func() {
		_ = conn.Close()
		if srv.State() == ServerStateRunning {
			_ = srv.Stop(context.Background())
		}
		_ = arb.Close()
		_ = d.hub.Close()
	})
	return d
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (d *testDaemon) acquire(t *testing.T, class types.ResourceClass, process types.ProcessID, lifecycle types.LifecycleState) types.AcquireResult {
	t.Helper()
	resp, err := d.client.Acquire(testContext(t), &transport.AcquireRequest{
		Class:     class,
		Requester: types.Requester{Process: process, Lifecycle: lifecycle},
	})
	testutil.RequireNoError(t, err)
	return resp.Result
}

// eventStream collects events received on a Subscribe stream.
type eventStream struct {
	mu     sync.Mutex
	events []types.Event
	done   chan error
	cancel context.CancelFunc
}

func (d *testDaemon) subscribe(t *testing.T, process types.ProcessID) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := d.client.Subscribe(ctx, &transport.SubscribeRequest{Process: process})
	if err != nil {
		cancel()
		t.Fatalf("subscribe %s: %v", process, err)
	}

	es := &eventStream{done: make(chan error, 1), cancel: cancel}
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				es.done <- err
				return
			}
			es.mu.Lock()
			es.events = append(es.events, msg.Event)
			es.mu.Unlock()
		}
	}()
	t.Cleanup(cancel)

	testutil.Eventually(t, 2*time.Second, func() bool {
		return d.server.Subscriptions().ActiveSubscriptions() > 0 && d.hub.Subscribed(process)
	}, "subscription for %s never became active", process)
	return es
}

func (es *eventStream) snapshot() []types.Event {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]types.Event(nil), es.events...)
}

func (es *eventStream) waitFor(t *testing.T, n int) []types.Event {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool { return len(es.snapshot()) >= n },
		"expected at least %d events", n)
	return es.snapshot()
}

// recordingMetrics counts the ServerMetrics calls tests care about.
type recordingMetrics struct {
	NoOpServerMetrics

	mu          sync.Mutex
	requests    map[string]int
	failures    map[string]int
	validation  map[string]string
	clientCodes map[string]codes.Code
	serverErrs  map[string]string
	streamed    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		requests:    make(map[string]int),
		failures:    make(map[string]int),
		validation:  make(map[string]string),
		clientCodes: make(map[string]codes.Code),
		serverErrs:  make(map[string]string),
	}
}

func (m *recordingMetrics) IncrGRPCRequest(method string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.requests[method]++
	} else {
		m.failures[method]++
	}
}

func (m *recordingMetrics) IncrValidationError(method, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validation[method] = errorType
}

func (m *recordingMetrics) IncrClientError(method string, code codes.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientCodes[method] = code
}

func (m *recordingMetrics) IncrServerError(method, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverErrs[method] = errorType
}

func (m *recordingMetrics) IncrEventsStreamed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed++
}

func (m *recordingMetrics) get(f func(*recordingMetrics) any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m)
}
