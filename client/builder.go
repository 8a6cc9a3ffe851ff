package client

import (
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
)

// RemoteBuilder provides a fluent API for constructing daemon backends.
//
// Example:
//
//	remote, err := client.NewRemoteBuilder("/run/accesslock.sock").
//	    WithTimeouts(time.Second, 2*time.Second).
//	    Build()
type RemoteBuilder struct {
	config    RemoteConfig
	hasTarget bool
}

// NewRemoteBuilder returns a builder for the daemon listening on socketPath.
func NewRemoteBuilder(socketPath string) *RemoteBuilder {
	return &RemoteBuilder{
		config:    DefaultRemoteConfig(socketPath),
		hasTarget: socketPath != "",
	}
}

// WithSocketPath sets the daemon socket, replacing any target.
func (b *RemoteBuilder) WithSocketPath(path string) *RemoteBuilder {
	b.config.SocketPath = path
	b.config.Target = ""
	b.hasTarget = path != ""
	return b
}

// WithTarget sets an explicit gRPC target, taking precedence over the socket path.
func (b *RemoteBuilder) WithTarget(target string) *RemoteBuilder {
	b.config.Target = target
	b.hasTarget = target != "" || b.config.SocketPath != ""
	return b
}

// WithTimeouts sets the dial and request timeouts.
func (b *RemoteBuilder) WithTimeouts(dialTimeout, requestTimeout time.Duration) *RemoteBuilder {
	if dialTimeout > 0 {
		b.config.DialTimeout = dialTimeout
	}
	if requestTimeout > 0 {
		b.config.RequestTimeout = requestTimeout
	}
	return b
}

// WithKeepAlive sets gRPC keepalive parameters.
func (b *RemoteBuilder) WithKeepAlive(time, timeout time.Duration, permitWithoutStream bool) *RemoteBuilder {
	b.config.KeepAlive = KeepAliveConfig{
		Time:                time,
		Timeout:             timeout,
		PermitWithoutStream: permitWithoutStream,
	}
	return b
}

// WithRetryPolicy sets a custom retry policy.
func (b *RemoteBuilder) WithRetryPolicy(policy RetryPolicy) *RemoteBuilder {
	b.config.RetryPolicy = policy
	return b
}

// WithRetryOptions updates the default retry policy parameters.
func (b *RemoteBuilder) WithRetryOptions(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier float64) *RemoteBuilder {
	if maxRetries >= 0 {
		b.config.RetryPolicy.MaxRetries = maxRetries
	}
	if initialBackoff > 0 {
		b.config.RetryPolicy.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		b.config.RetryPolicy.MaxBackoff = maxBackoff
	}
	if multiplier > 0 {
		b.config.RetryPolicy.BackoffMultiplier = multiplier
	}
	return b
}

// WithRetryableCodes sets the extra gRPC codes that trigger retries.
// Calling it without codes leaves only the transport failures retryable.
func (b *RemoteBuilder) WithRetryableCodes(retryable ...codes.Code) *RemoteBuilder {
	b.config.RetryPolicy.RetryableCodes = append([]codes.Code{}, retryable...)
	return b
}

// WithMaxMessageSize sets the max gRPC message size (bytes).
func (b *RemoteBuilder) WithMaxMessageSize(size int) *RemoteBuilder {
	if size > 0 {
		b.config.MaxMessageSize = size
	}
	return b
}

// WithDialOptions appends extra gRPC dial options.
func (b *RemoteBuilder) WithDialOptions(opts ...grpc.DialOption) *RemoteBuilder {
	b.config.DialOptions = append(b.config.DialOptions, opts...)
	return b
}

func (b *RemoteBuilder) WithLogger(log logger.Logger) *RemoteBuilder {
	b.config.Logger = log
	return b
}

func (b *RemoteBuilder) WithMetrics(metrics Metrics) *RemoteBuilder {
	b.config.Metrics = metrics
	return b
}

// WithClock sets the clock used for backoff delays, mainly for tests.
func (b *RemoteBuilder) WithClock(clk clock.Clock) *RemoteBuilder {
	b.config.Clock = clk
	return b
}

// WithRand sets the random source used for backoff jitter.
func (b *RemoteBuilder) WithRand(r clock.Rand) *RemoteBuilder {
	b.config.Rand = r
	return b
}

// Config returns a copy of the configuration built so far.
func (b *RemoteBuilder) Config() RemoteConfig {
	return b.config
}

// validate checks if the builder has valid configuration.
func (b *RemoteBuilder) validate() error {
	if !b.hasTarget {
		return errors.New("builder: a socket path or target must be set")
	}
	return nil
}

// Build returns a configured Remote.
func (b *RemoteBuilder) Build() (*Remote, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	return NewRemote(b.config)
}
