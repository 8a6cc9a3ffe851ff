package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/transport"
	"github.com/jathurchan/accesslock/types"
)

// accessLockServer implements AccessLockServer.
type accessLockServer struct {
	config ServerConfig

	arbiter   arbiter.Arbiter
	notifier  notify.Channel
	validator RequestValidator
	limiter   RateLimiter
	subs      SubscriptionManager
	health    *health.Server

	logger  logger.Logger
	metrics ServerMetrics
	clock   clock.Clock

	mu          sync.RWMutex
	state       ServerOperationalState
	grpcServer  *grpc.Server
	listener    net.Listener
	stopping    chan struct{}
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	serveDone   chan struct{}
}

// NewAccessLockServer creates a server from a validated configuration.
// Prefer NewServerBuilder.
func NewAccessLockServer(config ServerConfig) (AccessLockServer, error) {
	if config.Logger == nil {
		config.Logger = logger.NewNoOpLogger()
	}
	if config.Metrics == nil {
		config.Metrics = NewNoOpServerMetrics()
	}
	if config.Clock == nil {
		config.Clock = clock.NewStandardClock()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	log := config.Logger.WithComponent("server")
	s := &accessLockServer{
		config:    config,
		arbiter:   config.Arbiter,
		notifier:  config.Notifier,
		validator: NewRequestValidator(log),
		subs:      NewSubscriptionManager(config.Metrics, log, config.Clock),
		health:    health.NewServer(),
		logger:    log,
		metrics:   config.Metrics,
		clock:     config.Clock,
		state:     ServerStateStopped,
	}
	if config.EnableRateLimit {
		s.limiter = NewProcessRateLimiter(config.RateLimit, config.RateLimitBurst, config.RateLimitWindow, log)
	}
	return s, nil
}

func (s *accessLockServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerStateStopped || s.grpcServer != nil {
		return ErrServerAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = ServerStateStarting

	lis := s.config.Listener
	if lis == nil {
		var err error
		lis, err = listenUnix(s.config.SocketPath, s.logger)
		if err != nil {
			s.state = ServerStateStopped
			return err
		}
	}

	s.grpcServer = grpc.NewServer(s.serverOptions()...)
	transport.RegisterArbiterServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.listener = lis
	s.stopping = make(chan struct{})
	s.serveDone = make(chan struct{})

	if s.config.RunSweeper {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.runSweeper(sweepCtx)
	}

	go func(srv *grpc.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Errorw("gRPC server stopped with error", "error", err)
		}
	}(s.grpcServer, s.serveDone)

	s.state = ServerStateRunning
	s.metrics.SetServerState(true)
	s.logger.Infow("Arbiter daemon serving",
		"address", lis.Addr().String(),
		"sweeper", s.config.RunSweeper,
		"rateLimit", s.config.EnableRateLimit,
	)
	return nil
}

func (s *accessLockServer) serverOptions() []grpc.ServerOption {
	interceptors := []grpc.UnaryServerInterceptor{s.loggingInterceptor}
	if s.limiter != nil {
		interceptors = append(interceptors, RateLimitInterceptor(s.limiter, s.metrics))
	}
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.config.MaxRequestSize),
		grpc.MaxSendMsgSize(s.config.MaxResponseSize),
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
}

func (s *accessLockServer) runSweeper(ctx context.Context) {
	defer close(s.sweepDone)
	err := s.arbiter.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, arbiter.ErrClosed):
		s.logger.Warnw("Sweeper not running, arbiter already closed")
	default:
		s.logger.Errorw("Sweeper stopped with error", "error", err)
	}
}

func (s *accessLockServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != ServerStateRunning {
		s.mu.Unlock()
		return ErrServerNotStarted
	}
	s.state = ServerStateStopping
	srv := s.grpcServer
	serveDone := s.serveDone
	sweepCancel, sweepDone := s.sweepCancel, s.sweepDone
	close(s.stopping)
	s.mu.Unlock()

	s.logger.Infow("Stopping arbiter daemon", "timeout", s.config.ShutdownTimeout)
	s.metrics.SetServerState(false)
	s.health.Shutdown()

	if sweepCancel != nil {
		sweepCancel()
		<-sweepDone
	}

	drained := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(drained)
	}()

	timer := s.clock.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.Chan():
		err = ErrShutdownTimeout
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
	if err != nil {
		s.logger.Warnw("Graceful shutdown timed out, forcing stop")
		srv.Stop()
		<-drained
	}
	<-serveDone

	s.mu.Lock()
	s.grpcServer = nil
	s.state = ServerStateStopped
	s.mu.Unlock()

	s.logger.Infow("Arbiter daemon stopped")
	return err
}

func (s *accessLockServer) State() ServerOperationalState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *accessLockServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *accessLockServer) Subscriptions() SubscriptionManager {
	return s.subs
}

func (s *accessLockServer) checkRunning() error {
	switch s.State() {
	case ServerStateRunning:
		return nil
	case ServerStateStopping, ServerStateStopped:
		return ErrServerStopped
	default:
		return ErrServerNotStarted
	}
}

func (s *accessLockServer) Acquire(ctx context.Context, req *transport.AcquireRequest) (*transport.AcquireResponse, error) {
	return handle(ctx, s, MethodAcquire, req, s.validator.ValidateAcquireRequest,
		func(ctx context.Context, req *transport.AcquireRequest) (*transport.AcquireResponse, error) {
			res, err := s.arbiter.Acquire(ctx, req.Class, req.Requester)
			if err != nil {
				return nil, err
			}
			return &transport.AcquireResponse{Result: res}, nil
		})
}

func (s *accessLockServer) Release(ctx context.Context, req *transport.ReleaseRequest) (*transport.ReleaseResponse, error) {
	return handle(ctx, s, MethodRelease, req, s.validator.ValidateReleaseRequest,
		func(ctx context.Context, req *transport.ReleaseRequest) (*transport.ReleaseResponse, error) {
			released, err := s.arbiter.Release(ctx, req.Class, req.Process)
			if err != nil {
				return nil, err
			}
			return &transport.ReleaseResponse{Released: released}, nil
		})
}

func (s *accessLockServer) Heartbeat(ctx context.Context, req *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error) {
	return handle(ctx, s, MethodHeartbeat, req, s.validator.ValidateHeartbeatRequest,
		func(ctx context.Context, req *transport.HeartbeatRequest) (*transport.HeartbeatResponse, error) {
			if err := s.arbiter.Heartbeat(ctx, req.Class, req.Process); err != nil {
				return nil, err
			}
			return &transport.HeartbeatResponse{}, nil
		})
}

func (s *accessLockServer) Cancel(ctx context.Context, req *transport.CancelRequest) (*transport.CancelResponse, error) {
	return handle(ctx, s, MethodCancel, req, s.validator.ValidateCancelRequest,
		func(ctx context.Context, req *transport.CancelRequest) (*transport.CancelResponse, error) {
			removed, err := s.arbiter.Cancel(ctx, req.Token)
			if err != nil {
				return nil, err
			}
			return &transport.CancelResponse{Removed: removed}, nil
		})
}

func (s *accessLockServer) SetLifecycle(ctx context.Context, req *transport.SetLifecycleRequest) (*transport.SetLifecycleResponse, error) {
	return handle(ctx, s, MethodSetLifecycle, req, s.validator.ValidateSetLifecycleRequest,
		func(ctx context.Context, req *transport.SetLifecycleRequest) (*transport.SetLifecycleResponse, error) {
			if err := s.arbiter.SetLifecycle(ctx, req.Class, req.Process, req.Lifecycle); err != nil {
				return nil, err
			}
			return &transport.SetLifecycleResponse{}, nil
		})
}

func (s *accessLockServer) EvictStale(ctx context.Context, req *transport.EvictStaleRequest) (*transport.EvictStaleResponse, error) {
	return handle(ctx, s, MethodEvictStale, req, s.validator.ValidateEvictStaleRequest,
		func(ctx context.Context, req *transport.EvictStaleRequest) (*transport.EvictStaleResponse, error) {
			timeout := req.Timeout.AsDuration()
			evicted, err := s.arbiter.EvictStale(ctx, req.Class, timeout)
			if err != nil {
				return nil, err
			}
			return &transport.EvictStaleResponse{Evicted: evicted}, nil
		})
}

func (s *accessLockServer) Status(ctx context.Context, req *transport.StatusRequest) (*transport.StatusResponse, error) {
	return handle(ctx, s, MethodStatus, req, s.validator.ValidateStatusRequest,
		func(ctx context.Context, req *transport.StatusRequest) (*transport.StatusResponse, error) {
			cs, err := s.arbiter.Status(ctx, req.Class)
			if err != nil {
				return nil, err
			}
			return &transport.StatusResponse{State: cs}, nil
		})
}

func (s *accessLockServer) Classes(ctx context.Context, req *transport.ClassesRequest) (*transport.ClassesResponse, error) {
	return handle(ctx, s, MethodClasses, req, func(*transport.ClassesRequest) error { return nil },
		func(ctx context.Context, _ *transport.ClassesRequest) (*transport.ClassesResponse, error) {
			classes, err := s.arbiter.Classes(ctx)
			if err != nil {
				return nil, err
			}
			return &transport.ClassesResponse{Classes: classes}, nil
		})
}

// Subscribe relays the notification channel of one process to its stream.
// Events are handed over one at a time, so at most the event in flight is
// lost when the stream breaks; clients reconcile with Status on reconnect.
func (s *accessLockServer) Subscribe(req *transport.SubscribeRequest, stream transport.EventSender) error {
	if err := s.checkRunning(); err != nil {
		return ErrorToStatus(err)
	}
	if err := s.validator.ValidateSubscribeRequest(req); err != nil {
		s.metrics.IncrValidationError(MethodSubscribe, validationErrorType(err))
		return ErrorToStatus(err)
	}

	s.mu.RLock()
	stopping := s.stopping
	s.mu.RUnlock()

	ctx := stream.Context()
	process := req.Process
	events := make(chan types.Event)
	quit := make(chan struct{})

	handler := func(ev types.Event) {
		select {
		case events <- ev:
		case <-quit:
		}
	}
	if err := s.notifier.Subscribe(process, handler); err != nil {
		s.logger.Warnw("Subscribe rejected", "process", process, "error", err)
		return ErrorToStatus(err)
	}
	s.subs.OnSubscribe(process)

	defer func() {
		close(quit)
		if err := s.notifier.Unsubscribe(process); err != nil &&
			!errors.Is(err, notify.ErrNotSubscribed) && !errors.Is(err, notify.ErrClosed) {
			s.logger.Warnw("Unsubscribe failed", "process", process, "error", err)
		}
		s.subs.OnUnsubscribe(process)
	}()

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	for {
		select {
		case ev := <-events:
			if err := stream.Send(&transport.EventMessage{Event: ev}); err != nil {
				s.logger.Debugw("Event stream send failed", "process", process, "error", err)
				return err
			}
			s.subs.OnEvent(process)
		case <-ctx.Done():
			return ErrorToStatus(ctx.Err())
		case <-stopping:
			return ErrorToStatus(ErrServerStopped)
		}
	}
}

// handle runs the shared request pipeline: state check, validation, request
// timeout, error mapping and metrics.
func handle[Req, Resp any](
	ctx context.Context,
	s *accessLockServer,
	method string,
	req *Req,
	validate func(*Req) error,
	call func(context.Context, *Req) (*Resp, error),
) (*Resp, error) {
	start := s.clock.Now()
	s.metrics.IncrConcurrentRequests(method, 1)
	defer func() {
		s.metrics.IncrConcurrentRequests(method, -1)
		s.metrics.ObserveRequestLatency(method, s.clock.Since(start))
	}()

	if err := s.checkRunning(); err != nil {
		s.metrics.IncrGRPCRequest(method, false)
		return nil, ErrorToStatus(err)
	}
	if err := validate(req); err != nil {
		s.metrics.IncrValidationError(method, validationErrorType(err))
		s.metrics.IncrGRPCRequest(method, false)
		return nil, ErrorToStatus(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	resp, err := call(ctx, req)
	if err != nil {
		st := ErrorToStatus(err)
		s.recordError(method, st)
		s.metrics.IncrGRPCRequest(method, false)
		return nil, st
	}
	s.metrics.IncrGRPCRequest(method, true)
	return resp, nil
}

func (s *accessLockServer) recordError(method string, st error) {
	code := status.Code(st)
	switch code {
	case codes.Internal, codes.Unknown:
		s.metrics.IncrServerError(method, ErrorTypeInternalError)
		s.logger.Errorw("Request failed", "method", method, "error", st)
	case codes.Unavailable:
		s.metrics.IncrServerError(method, ErrorTypeUnavailable)
		s.logger.Warnw("Request failed", "method", method, "error", st)
	case codes.DeadlineExceeded:
		s.metrics.IncrServerError(method, ErrorTypeTimeout)
	default:
		s.metrics.IncrClientError(method, code)
	}
}

func (s *accessLockServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	s.logger.Debugw("Handled request", "method", methodName(info.FullMethod), "code", status.Code(err).String())
	return resp, err
}

// validationErrorType classifies a validation failure for metrics.
func validationErrorType(err error) string {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return ErrorTypeInvalidFormat
	}
	switch {
	case strings.Contains(ve.Message, "cannot be empty"):
		return ErrorTypeMissingField
	case strings.Contains(ve.Message, "length <="):
		return ErrorTypeTooLong
	case strings.Contains(ve.Message, "between"):
		return ErrorTypeOutOfRange
	default:
		return ErrorTypeInvalidFormat
	}
}

// methodName strips the service prefix from a full gRPC method name.
func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// listenUnix listens on a unix socket, removing a socket file left behind by
// a daemon that is no longer running.
func listenUnix(path string, log logger.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, NewServerError("listen", err, "cannot create socket directory")
	}

	if _, err := os.Stat(path); err == nil {
		conn, dialErr := net.DialTimeout("unix", path, staleSocketProbeTimeout)
		if dialErr == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		log.Warnw("Removing stale socket", "path", path, "dialError", dialErr)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, NewServerError("listen", err, "cannot remove stale socket")
		}
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, NewServerError("listen", err, "cannot listen on socket")
	}
	if err := os.Chmod(path, socketMode); err != nil {
		_ = lis.Close()
		return nil, NewServerError("listen", err, "cannot set socket permissions")
	}
	return lis, nil
}
