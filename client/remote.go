package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/transport"
	"github.com/jathurchan/accesslock/types"
)

// connector defines an interface for establishing gRPC connections.
// Useful for injecting mocks in tests.
type connector interface {
	// GetConnection creates a client connection to target.
	GetConnection(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error)
}

// grpcConnector implements the default connector.
type grpcConnector struct{}

// GetConnection creates a lazily connecting gRPC client for target.
func (c *grpcConnector) GetConnection(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, opts...)
}

// Remote is a Backend that talks to the arbiterd daemon. Unary calls are
// retried with exponential backoff and jitter; event streams reconnect on
// their own and resynchronize from the daemon's state after a reconnect.
type Remote struct {
	config RemoteConfig

	conn   *grpc.ClientConn
	client *transport.ArbiterClient

	clock   clock.Clock
	rand    clock.Rand
	logger  logger.Logger
	metrics Metrics

	closed atomic.Bool

	mu   sync.Mutex
	subs map[types.ProcessID]*remoteSubscription
}

type remoteSubscription struct {
	process types.ProcessID
	handler notify.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Backend = (*Remote)(nil)

// NewRemote connects to the daemon described by config. The connection is
// established lazily, so NewRemote succeeds even if the daemon is not up yet.
func NewRemote(config RemoteConfig) (*Remote, error) {
	return newRemote(config, &grpcConnector{})
}

func newRemote(config RemoteConfig, conn connector) (*Remote, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Remote{
		config:  config,
		clock:   config.Clock,
		rand:    config.Rand,
		logger:  config.Logger,
		metrics: config.Metrics,
		subs:    make(map[types.ProcessID]*remoteSubscription),
	}
	if r.clock == nil {
		r.clock = clock.NewStandardClock()
	}
	if r.rand == nil {
		r.rand = clock.NewStandardRand()
	}
	if r.logger == nil {
		r.logger = logger.NewNoOpLogger()
	}
	r.logger = r.logger.WithComponent("client")
	if r.metrics == nil {
		r.metrics = NewNoOpMetrics()
	}

	cc, err := conn.GetConnection(config.target(), r.buildDialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("client: failed to dial %s: %w", config.target(), err)
	}
	r.conn = cc
	r.client = transport.NewArbiterClient(cc)

	r.logger.Infow("Remote backend ready", "target", config.target())
	return r, nil
}

// buildDialOptions returns gRPC dial options based on the configuration.
func (r *Remote) buildDialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                r.config.KeepAlive.Time,
			Timeout:             r.config.KeepAlive.Timeout,
			PermitWithoutStream: r.config.KeepAlive.PermitWithoutStream,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(r.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(r.config.MaxMessageSize),
		),
	}
	if r.config.DialTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: r.config.DialTimeout,
		}))
	}
	return append(opts, r.config.DialOptions...)
}

func (r *Remote) Acquire(ctx context.Context, class types.ResourceClass, req types.Requester) (types.AcquireResult, error) {
	var resp *transport.AcquireResponse
	err := r.executeWithRetry(ctx, "acquire", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.Acquire(ctx, &transport.AcquireRequest{Class: class, Requester: req})
		return err
	})
	if err != nil {
		return types.AcquireResult{State: types.StateBusy, Position: -1}, err
	}
	return resp.Result, nil
}

func (r *Remote) Release(ctx context.Context, class types.ResourceClass, process types.ProcessID) (bool, error) {
	var resp *transport.ReleaseResponse
	err := r.executeWithRetry(ctx, "release", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.Release(ctx, &transport.ReleaseRequest{Class: class, Process: process})
		return err
	})
	if err != nil {
		return false, err
	}
	return resp.Released, nil
}

func (r *Remote) Heartbeat(ctx context.Context, class types.ResourceClass, process types.ProcessID) error {
	return r.executeWithRetry(ctx, "heartbeat", func(ctx context.Context, c *transport.ArbiterClient) error {
		_, err := c.Heartbeat(ctx, &transport.HeartbeatRequest{Class: class, Process: process})
		return err
	})
}

func (r *Remote) Cancel(ctx context.Context, token types.Token) (bool, error) {
	var resp *transport.CancelResponse
	err := r.executeWithRetry(ctx, "cancel", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.Cancel(ctx, &transport.CancelRequest{Token: token})
		return err
	})
	if err != nil {
		return false, err
	}
	return resp.Removed, nil
}

func (r *Remote) SetLifecycle(ctx context.Context, class types.ResourceClass, process types.ProcessID, lifecycle types.LifecycleState) error {
	return r.executeWithRetry(ctx, "set_lifecycle", func(ctx context.Context, c *transport.ArbiterClient) error {
		_, err := c.SetLifecycle(ctx, &transport.SetLifecycleRequest{Class: class, Process: process, Lifecycle: lifecycle})
		return err
	})
}

func (r *Remote) Status(ctx context.Context, class types.ResourceClass) (types.ClassState, error) {
	var resp *transport.StatusResponse
	err := r.executeWithRetry(ctx, "status", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.Status(ctx, &transport.StatusRequest{Class: class})
		return err
	})
	if err != nil {
		return types.ClassState{}, err
	}
	return resp.State, nil
}

// EvictStale asks the daemon to evict a silent holder of class. A
// non-positive timeout uses the daemon's configured heartbeat timeout.
func (r *Remote) EvictStale(ctx context.Context, class types.ResourceClass, timeout time.Duration) (bool, error) {
	req := &transport.EvictStaleRequest{Class: class}
	if timeout > 0 {
		req.Timeout = durationpb.New(timeout)
	}
	var resp *transport.EvictStaleResponse
	err := r.executeWithRetry(ctx, "evict_stale", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.EvictStale(ctx, req)
		return err
	})
	if err != nil {
		return false, err
	}
	return resp.Evicted, nil
}

// Classes lists the resource classes known to the daemon.
func (r *Remote) Classes(ctx context.Context) ([]types.ResourceClass, error) {
	var resp *transport.ClassesResponse
	err := r.executeWithRetry(ctx, "classes", func(ctx context.Context, c *transport.ArbiterClient) error {
		var err error
		resp, err = c.Classes(ctx, &transport.ClassesRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.Classes, nil
}

// Subscribe opens a reconnecting event stream for process.
func (r *Remote) Subscribe(process types.ProcessID, handler notify.Handler) error {
	if r.closed.Load() {
		return ErrClientClosed
	}
	if process == "" {
		return notify.ErrInvalidProcess
	}
	if handler == nil {
		return errors.New("client: handler must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[process]; ok {
		return notify.ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &remoteSubscription{
		process: process,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.subs[process] = sub
	go r.streamEvents(ctx, sub)
	return nil
}

// Unsubscribe closes the event stream of process and waits for its handler
// to return. It must not be called from the handler itself.
func (r *Remote) Unsubscribe(process types.ProcessID) error {
	r.mu.Lock()
	sub, ok := r.subs[process]
	delete(r.subs, process)
	r.mu.Unlock()

	if !ok {
		return notify.ErrNotSubscribed
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Close ends all event streams and the connection to the daemon.
func (r *Remote) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}

	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[types.ProcessID]*remoteSubscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("client: failed to close connection: %w", err)
	}
	r.logger.Infow("Remote backend closed")
	return nil
}

// streamEvents keeps the event stream of sub open until its context ends.
// Every stream after the first starts with a resynchronization, since an
// event in flight when a stream broke is lost.
func (r *Remote) streamEvents(ctx context.Context, sub *remoteSubscription) {
	defer close(sub.done)
	log := r.logger.WithProcess(sub.process)

	opened := false
	attempt := 0
	for ctx.Err() == nil {
		accepted, err := r.runStream(ctx, sub, opened)
		if ctx.Err() != nil {
			return
		}
		if accepted {
			opened = true
			attempt = 0
		}
		if isPermanentStreamError(err, opened) {
			log.Errorw("Event stream rejected by daemon", "error", err)
			return
		}
		attempt++
		delay := r.calculateBackoff(attempt)
		log.Warnw("Event stream interrupted, reconnecting", "error", err, "attempt", attempt, "backoff", delay)

		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runStream opens one stream and pumps it until it breaks. It reports
// whether the daemon accepted the stream.
func (r *Remote) runStream(ctx context.Context, sub *remoteSubscription, reconnect bool) (bool, error) {
	stream, err := r.client.Subscribe(ctx, &transport.SubscribeRequest{Process: sub.process})
	if err != nil {
		return false, err
	}

	// The daemon sends headers once the subscription is registered; a stream
	// that ends without them was rejected.
	md, err := stream.Header()
	if err != nil {
		return false, err
	}
	if md == nil {
		_, err := stream.Recv()
		return false, err
	}

	if reconnect {
		if err := r.reconcile(ctx, sub); err != nil {
			return true, fmt.Errorf("client: resynchronization failed: %w", err)
		}
		r.metrics.IncrReconnect()
	}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return true, err
		}
		sub.handler(msg.Event)
	}
}

// reconcile replays the current state of every request of sub's process as
// events stamped with the class version. Consumers already up to date drop
// them as duplicates.
func (r *Remote) reconcile(ctx context.Context, sub *remoteSubscription) error {
	classes, err := r.Classes(ctx)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, class := range classes {
		st, err := r.Status(ctx, class)
		if err != nil {
			return err
		}
		if h := st.Holder; h != nil && h.Owner == sub.process {
			state := types.StateFree
			if h.Lifecycle == types.LifecycleBackground {
				state = types.StateAppInBackground
			}
			sub.handler(types.Event{Token: h.Token, Process: sub.process, State: state, Seq: st.Version, At: now})
			continue
		}
		if i := st.Position(sub.process); i >= 0 {
			w := st.Queue[i]
			state := types.StateWait
			if w.Lifecycle == types.LifecycleBackground {
				state = types.StateAppInBackground
			}
			sub.handler(types.Event{Token: w.Token, Process: sub.process, State: state, Seq: st.Version, At: now})
		}
	}
	return nil
}

// isPermanentStreamError reports stream failures that a reconnect cannot fix.
// Once a stream of this process has been accepted, AlreadyExists only means
// the daemon has not yet dropped the broken one, so it is retried.
func isPermanentStreamError(err error, opened bool) bool {
	switch status.Code(err) {
	case codes.AlreadyExists:
		return !opened
	case codes.InvalidArgument, codes.Unimplemented:
		return true
	}
	return false
}

// executeWithRetry runs an operation with retry logic and exponential backoff.
func (r *Remote) executeWithRetry(ctx context.Context, operation string, fn func(ctx context.Context, client *transport.ArbiterClient) error) error {
	if r.closed.Load() {
		return NewClientError(operation, ErrClientClosed, codes.OK, nil)
	}
	start := r.clock.Now()
	defer func() { r.metrics.ObserveLatency(operation, r.clock.Since(start)) }()

	maxRetries := r.config.RetryPolicy.MaxRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.tryOperation(ctx, fn)
		if err == nil {
			r.metrics.IncrSuccess(operation)
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !r.isRetryable(err) || attempt == maxRetries {
			break
		}

		r.metrics.IncrRetry(operation)
		delay := r.calculateBackoff(attempt + 1)
		r.logger.Debugw("Retrying operation", "operation", operation, "attempt", attempt+1, "backoff", delay, "error", err)

		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.metrics.IncrFailure(operation)
	return fromRPCError(operation, lastErr)
}

// tryOperation invokes fn once with the per-request timeout applied.
func (r *Remote) tryOperation(ctx context.Context, fn func(context.Context, *transport.ArbiterClient) error) error {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.config.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
	}
	defer cancel()
	return fn(reqCtx, r.client)
}

// calculateBackoff computes exponential backoff with optional jitter.
func (r *Remote) calculateBackoff(attempt int) time.Duration {
	policy := r.config.RetryPolicy

	backoff := float64(policy.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= policy.BackoffMultiplier
		if backoff > float64(policy.MaxBackoff) {
			break
		}
	}
	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	if policy.JitterFactor > 0 {
		jitter := (r.rand.Float64()*2 - 1) * policy.JitterFactor * backoff
		backoff += jitter
	}

	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// isRetryable returns true if the error is considered retryable by config or gRPC code.
func (r *Remote) isRetryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return slices.Contains(r.config.RetryPolicy.RetryableCodes, st.Code())
}
