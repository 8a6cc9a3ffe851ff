package client

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/types"
)

const (
	// Default gRPC dial timeout.
	defaultDialTimeout = 5 * time.Second

	// Default timeout for individual requests.
	defaultRequestTimeout = 5 * time.Second

	// Default interval between heartbeats of a held class. Kept well below
	// the arbiter's default heartbeat timeout.
	defaultHeartbeatInterval = time.Second

	// Default interval for sending keepalive pings.
	defaultKeepAliveTime = 30 * time.Second

	// Default timeout for waiting on keepalive ack.
	defaultKeepAliveTimeout = 5 * time.Second

	// Whether to allow keepalives when no streams are active.
	defaultPermitWithoutStream = true

	// Default maximum gRPC message size (4MB).
	defaultMaxMessageSize = 4 * 1024 * 1024

	// Default number of retry attempts for failed operations.
	defaultMaxRetries = 3

	// Default initial backoff duration between retries.
	defaultInitialBackoff = 100 * time.Millisecond

	// Default maximum backoff duration.
	defaultMaxBackoff = 5 * time.Second

	// Default multiplier for exponential backoff.
	defaultBackoffMultiplier = 2.0

	// Default jitter factor to randomize backoff durations.
	defaultJitterFactor = 0.1

	// releaseTimeout bounds the best-effort release of held classes during Close.
	releaseTimeout = 5 * time.Second
)

// Config holds the settings of a Handle.
type Config struct {
	// Process is the identity of this process towards the arbiter. Required.
	Process types.ProcessID

	// PID is the operating system process id reported with every acquire,
	// letting the arbiter detect a holder that exited. Zero disables probing.
	PID int

	// Lifecycle is the initial application lifecycle state.
	Lifecycle types.LifecycleState

	// HeartbeatInterval is the period of the heartbeat loop run while a
	// class is held. Must be shorter than the arbiter's heartbeat timeout.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds each backend call made by the heartbeat loop.
	RequestTimeout time.Duration

	// PauseHeartbeatInBackground stops heartbeats while the process is
	// backgrounded, so a suspended holder is eventually evicted.
	PauseHeartbeatInBackground bool

	Logger  logger.Logger
	Metrics Metrics
	Clock   clock.Clock
}

// DefaultConfig returns a Config with default values for process.
func DefaultConfig(process types.ProcessID) Config {
	return Config{
		Process:                    process,
		Lifecycle:                  types.LifecycleForeground,
		HeartbeatInterval:          defaultHeartbeatInterval,
		RequestTimeout:             defaultRequestTimeout,
		PauseHeartbeatInBackground: true,
	}
}

// Validate checks the handle configuration.
func (c Config) Validate() error {
	if c.Process == "" {
		return ErrInvalidProcess
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("client: HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("client: RequestTimeout must be positive, got %v", c.RequestTimeout)
	}
	if c.PID < 0 {
		return fmt.Errorf("client: PID must not be negative, got %d", c.PID)
	}
	return nil
}

// RemoteConfig holds configuration options for the daemon backend.
type RemoteConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string

	// Target overrides SocketPath with an explicit gRPC target.
	Target string

	// DialTimeout is the minimum time allowed for establishing a connection
	// to the daemon. Defaults to 5 seconds.
	DialTimeout time.Duration

	// RequestTimeout is the default timeout for individual gRPC requests.
	// This can be overridden by a context with a shorter deadline.
	RequestTimeout time.Duration

	// KeepAlive settings control gRPC's keepalive mechanism, which helps
	// detect a daemon that went away while a stream is idle.
	KeepAlive KeepAliveConfig

	// RetryPolicy defines the behavior for retrying failed operations,
	// including backoff strategy and which errors are considered retryable.
	RetryPolicy RetryPolicy

	// MaxMessageSize specifies the maximum size of a gRPC message (in bytes)
	// that the client can send or receive. Defaults to 4MB.
	MaxMessageSize int

	// DialOptions are appended to the options derived from this config.
	DialOptions []grpc.DialOption

	Logger  logger.Logger
	Metrics Metrics
	Clock   clock.Clock
	Rand    clock.Rand
}

// KeepAliveConfig defines gRPC keepalive settings for the client.
type KeepAliveConfig struct {
	// Time is the interval at which the client sends keepalive pings to the server
	// when no other messages are being sent.
	Time time.Duration

	// Timeout is the duration the client waits for a keepalive ack from the server
	// before considering the connection to be dead.
	Timeout time.Duration

	// PermitWithoutStream allows keepalive pings to be sent even when there are
	// no active streams.
	PermitWithoutStream bool
}

// RetryPolicy defines how the client should retry failed operations.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries
	MaxBackoff time.Duration

	// BackoffMultiplier determines how backoff increases between retries
	BackoffMultiplier float64

	// JitterFactor adds randomness to backoff timing (0.0 to 1.0)
	JitterFactor float64

	// RetryableCodes lists gRPC codes retried in addition to Unavailable,
	// DeadlineExceeded and ResourceExhausted.
	RetryableCodes []codes.Code
}

// DefaultRemoteConfig returns a RemoteConfig with default values.
func DefaultRemoteConfig(socketPath string) RemoteConfig {
	return RemoteConfig{
		SocketPath:     socketPath,
		DialTimeout:    defaultDialTimeout,
		RequestTimeout: defaultRequestTimeout,
		KeepAlive: KeepAliveConfig{
			Time:                defaultKeepAliveTime,
			Timeout:             defaultKeepAliveTimeout,
			PermitWithoutStream: defaultPermitWithoutStream,
		},
		RetryPolicy:    DefaultRetryPolicy(),
		MaxMessageSize: defaultMaxMessageSize,
	}
}

// DefaultRetryPolicy returns a retry policy that also retries lost
// compare-and-swap races reported by the daemon.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        defaultMaxRetries,
		InitialBackoff:    defaultInitialBackoff,
		MaxBackoff:        defaultMaxBackoff,
		BackoffMultiplier: defaultBackoffMultiplier,
		JitterFactor:      defaultJitterFactor,
		RetryableCodes:    []codes.Code{codes.Aborted},
	}
}

// Validate checks the remote configuration.
func (c RemoteConfig) Validate() error {
	if c.SocketPath == "" && c.Target == "" {
		return errors.New("client: SocketPath or Target must be set")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("client: RequestTimeout must be positive, got %v", c.RequestTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("client: MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	p := c.RetryPolicy
	if p.MaxRetries < 0 {
		return fmt.Errorf("client: MaxRetries must not be negative, got %d", p.MaxRetries)
	}
	if p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("client: invalid backoff range [%v, %v]", p.InitialBackoff, p.MaxBackoff)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("client: BackoffMultiplier must be at least 1, got %v", p.BackoffMultiplier)
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("client: JitterFactor must be within [0, 1], got %v", p.JitterFactor)
	}
	return nil
}

// target returns the gRPC target of the daemon.
func (c RemoteConfig) target() string {
	if c.Target != "" {
		return c.Target
	}
	return "unix://" + c.SocketPath
}
