package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

type fakeArbiterServer struct {
	mu      sync.Mutex
	methods []string
	events  []types.Event
	failErr error
}

func (f *fakeArbiterServer) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	if f.failErr != nil {
		return ToStatus(f.failErr)
	}
	return nil
}

func (f *fakeArbiterServer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeArbiterServer) Acquire(_ context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	if err := f.record("Acquire"); err != nil {
		return nil, err
	}
	return &AcquireResponse{Result: types.AcquireResult{
		Token:    types.Token{Class: req.Class, ID: "tok-" + string(req.Requester.Process)},
		State:    types.StateFree,
		Granted:  true,
		Position: -1,
		Seq:      1,
	}}, nil
}

func (f *fakeArbiterServer) Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error) {
	if err := f.record("Release"); err != nil {
		return nil, err
	}
	return &ReleaseResponse{Released: true}, nil
}

func (f *fakeArbiterServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := f.record("Heartbeat"); err != nil {
		return nil, err
	}
	return &HeartbeatResponse{}, nil
}

func (f *fakeArbiterServer) Cancel(context.Context, *CancelRequest) (*CancelResponse, error) {
	if err := f.record("Cancel"); err != nil {
		return nil, err
	}
	return &CancelResponse{Removed: true}, nil
}

func (f *fakeArbiterServer) SetLifecycle(context.Context, *SetLifecycleRequest) (*SetLifecycleResponse, error) {
	if err := f.record("SetLifecycle"); err != nil {
		return nil, err
	}
	return &SetLifecycleResponse{}, nil
}

func (f *fakeArbiterServer) EvictStale(_ context.Context, req *EvictStaleRequest) (*EvictStaleResponse, error) {
	if err := f.record("EvictStale"); err != nil {
		return nil, err
	}
	return &EvictStaleResponse{Evicted: req.Timeout != nil && req.Timeout.AsDuration() == time.Second}, nil
}

func (f *fakeArbiterServer) Status(_ context.Context, req *StatusRequest) (*StatusResponse, error) {
	if err := f.record("Status"); err != nil {
		return nil, err
	}
	return &StatusResponse{State: types.ClassState{
		Class:   req.Class,
		Version: 3,
		Holder:  &types.HolderRecord{Class: req.Class, Owner: "player"},
		Queue:   []types.Waiter{{Process: "recorder"}},
	}}, nil
}

func (f *fakeArbiterServer) Classes(context.Context, *ClassesRequest) (*ClassesResponse, error) {
	if err := f.record("Classes"); err != nil {
		return nil, err
	}
	return &ClassesResponse{Classes: []types.ResourceClass{types.ClassAccessory, types.ClassDevice}}, nil
}

func (f *fakeArbiterServer) Subscribe(req *SubscribeRequest, stream EventSender) error {
	if err := f.record("Subscribe"); err != nil {
		return err
	}
	f.mu.Lock()
	events := append([]types.Event(nil), f.events...)
	f.mu.Unlock()

	for _, ev := range events {
		ev.Process = req.Process
		if err := stream.Send(&EventMessage{Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

func newBufconnClient(t *testing.T, srv ArbiterServer, opts ...grpc.ServerOption) *ArbiterClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	RegisterArbiterServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	testutil.RequireNoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewArbiterClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_UnaryRoundTrip(t *testing.T) {
	fake := &fakeArbiterServer{}
	client := newBufconnClient(t, fake)
	ctx := testContext(t)

	acq, err := client.Acquire(ctx, &AcquireRequest{
		Class:     types.ClassAccessory,
		Requester: types.Requester{Process: "player"},
	})
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, acq.Result.Granted)
	testutil.AssertEqual(t, types.StateFree, acq.Result.State)
	testutil.AssertEqual(t, "tok-player", acq.Result.Token.ID)

	rel, err := client.Release(ctx, &ReleaseRequest{Class: types.ClassAccessory, Process: "player"})
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, rel.Released)

	_, err = client.Heartbeat(ctx, &HeartbeatRequest{Class: types.ClassAccessory, Process: "player"})
	testutil.AssertNoError(t, err)

	cancelled, err := client.Cancel(ctx, &CancelRequest{Token: acq.Result.Token})
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, cancelled.Removed)

	_, err = client.SetLifecycle(ctx, &SetLifecycleRequest{
		Class: types.ClassAccessory, Process: "player", Lifecycle: types.LifecycleBackground,
	})
	testutil.AssertNoError(t, err)

	st, err := client.Status(ctx, &StatusRequest{Class: types.ClassDevice})
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, uint64(3), st.State.Version)
	testutil.RequireNotNil(t, st.State.Holder)
	testutil.AssertEqual(t, types.ProcessID("player"), st.State.Holder.Owner)
	testutil.AssertLen(t, st.State.Queue, 1)

	classes, err := client.Classes(ctx, &ClassesRequest{})
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, []types.ResourceClass{types.ClassAccessory, types.ClassDevice}, classes.Classes)

	testutil.AssertEqual(t,
		[]string{"Acquire", "Release", "Heartbeat", "Cancel", "SetLifecycle", "Status", "Classes"},
		fake.calls())
}

func TestService_EvictStaleCarriesDuration(t *testing.T) {
	client := newBufconnClient(t, &fakeArbiterServer{})
	ctx := testContext(t)

	resp, err := client.EvictStale(ctx, &EvictStaleRequest{Class: types.ClassDevice})
	testutil.RequireNoError(t, err)
	testutil.AssertFalse(t, resp.Evicted, "nil timeout")

	resp, err = client.EvictStale(ctx, &EvictStaleRequest{
		Class:   types.ClassDevice,
		Timeout: durationpb.New(time.Second),
	})
	testutil.RequireNoError(t, err)
	testutil.AssertTrue(t, resp.Evicted)
}

func TestService_ErrorsCrossTheWire(t *testing.T) {
	client := newBufconnClient(t, &fakeArbiterServer{failErr: arbiter.ErrWaitQueueFull})

	_, err := client.Acquire(testContext(t), &AcquireRequest{
		Class:     types.ClassDevice,
		Requester: types.Requester{Process: "late"},
	})
	testutil.AssertEqual(t, codes.FailedPrecondition, status.Code(err))
	testutil.AssertErrorIs(t, FromStatus(err), arbiter.ErrWaitQueueFull)
}

func TestService_Subscribe(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeArbiterServer{events: []types.Event{
		{Token: types.Token{Class: types.ClassAccessory, ID: "a"}, State: types.StateWait, Seq: 4, At: at},
		{Token: types.Token{Class: types.ClassAccessory, ID: "a"}, State: types.StateFree, Seq: 5, At: at},
	}}
	client := newBufconnClient(t, fake)

	stream, err := client.Subscribe(testContext(t), &SubscribeRequest{Process: "recorder"})
	testutil.RequireNoError(t, err)

	var got []types.Event
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		testutil.RequireNoError(t, err)
		got = append(got, msg.Event)
	}

	testutil.AssertLen(t, got, 2)
	testutil.AssertEqual(t, types.ProcessID("recorder"), got[0].Process)
	testutil.AssertEqual(t, types.StateWait, got[0].State)
	testutil.AssertEqual(t, types.StateFree, got[1].State)
	testutil.AssertEqual(t, uint64(5), got[1].Seq)
	testutil.AssertTrue(t, got[1].At.Equal(at))
}

func TestService_InterceptorSeesFullMethod(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		mu.Lock()
		seen = append(seen, info.FullMethod)
		mu.Unlock()
		return handler(ctx, req)
	}
	client := newBufconnClient(t, &fakeArbiterServer{}, grpc.UnaryInterceptor(interceptor))

	_, err := client.Heartbeat(testContext(t), &HeartbeatRequest{Class: types.ClassDevice, Process: "p"})
	testutil.RequireNoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertEqual(t, []string{HeartbeatMethod}, seen)
}
