package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
)

// ServerBuilder helps construct an AccessLockServer with validated
// configuration and sane defaults.
type ServerBuilder struct {
	config ServerConfig

	hasArbiter  bool // True if Arbiter was set.
	hasNotifier bool // True if Notifier was set.
}

// NewServerBuilder returns a ServerBuilder preloaded with default configuration values.
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		config: DefaultServerConfig(),
	}
}

// WithArbiter sets the arbiter that decides requests. This must be set explicitly.
func (b *ServerBuilder) WithArbiter(a arbiter.Arbiter) *ServerBuilder {
	b.config.Arbiter = a
	b.hasArbiter = a != nil
	return b
}

// WithNotifier sets the notification channel the arbiter publishes to.
// This must be set explicitly.
func (b *ServerBuilder) WithNotifier(n notify.Channel) *ServerBuilder {
	b.config.Notifier = n
	b.hasNotifier = n != nil
	return b
}

// WithSocketPath sets the unix socket path.
func (b *ServerBuilder) WithSocketPath(path string) *ServerBuilder {
	b.config.SocketPath = path
	return b
}

// WithListener serves on an existing listener instead of SocketPath.
func (b *ServerBuilder) WithListener(lis net.Listener) *ServerBuilder {
	b.config.Listener = lis
	return b
}

// WithSweeper enables or disables the stale holder sweeper.
func (b *ServerBuilder) WithSweeper(enabled bool) *ServerBuilder {
	b.config.RunSweeper = enabled
	return b
}

// WithTimeouts sets timeouts for request handling and shutdown.
// Values <= 0 leave the defaults unchanged.
func (b *ServerBuilder) WithTimeouts(requestTimeout, shutdownTimeout time.Duration) *ServerBuilder {
	if requestTimeout > 0 {
		b.config.RequestTimeout = requestTimeout
	}
	if shutdownTimeout > 0 {
		b.config.ShutdownTimeout = shutdownTimeout
	}
	return b
}

// WithLimits sets message size and stream concurrency limits.
// Values <= 0 leave the defaults unchanged.
func (b *ServerBuilder) WithLimits(maxRequestSize, maxResponseSize, maxConcurrentStreams int) *ServerBuilder {
	if maxRequestSize > 0 {
		b.config.MaxRequestSize = maxRequestSize
	}
	if maxResponseSize > 0 {
		b.config.MaxResponseSize = maxResponseSize
	}
	if maxConcurrentStreams > 0 {
		b.config.MaxConcurrentStreams = uint32(maxConcurrentStreams)
	}
	return b
}

// WithRateLimit configures rate limiting.
// Values <= 0 use the default if rate limiting is enabled.
func (b *ServerBuilder) WithRateLimit(enabled bool, rateLimit, burst int, window time.Duration) *ServerBuilder {
	b.config.EnableRateLimit = enabled
	if enabled {
		if rateLimit > 0 {
			b.config.RateLimit = rateLimit
		}
		if burst > 0 {
			b.config.RateLimitBurst = burst
		}
		if window > 0 {
			b.config.RateLimitWindow = window
		}
	}
	return b
}

// WithKeepalive sets the server keepalive parameters.
// Values <= 0 leave the defaults unchanged.
func (b *ServerBuilder) WithKeepalive(interval, timeout time.Duration) *ServerBuilder {
	if interval > 0 {
		b.config.KeepaliveTime = interval
	}
	if timeout > 0 {
		b.config.KeepaliveTimeout = timeout
	}
	return b
}

// WithLogger sets the server logger.
// If nil, a no-op logger is used.
func (b *ServerBuilder) WithLogger(logger logger.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// WithMetrics sets the metrics collector.
// If nil, a no-op implementation is used.
func (b *ServerBuilder) WithMetrics(metrics ServerMetrics) *ServerBuilder {
	b.config.Metrics = metrics
	return b
}

// WithClock sets the clock used for latency and subscription bookkeeping.
func (b *ServerBuilder) WithClock(c clock.Clock) *ServerBuilder {
	b.config.Clock = c
	return b
}

// prepareConfig applies defaults for nil dependencies before validation.
func (b *ServerBuilder) prepareConfig() {
	if b.config.Logger == nil {
		b.config.Logger = logger.NewNoOpLogger()
	}
	if b.config.Metrics == nil {
		b.config.Metrics = NewNoOpServerMetrics()
	}
	if b.config.Clock == nil {
		b.config.Clock = clock.NewStandardClock()
	}
}

// Build constructs an AccessLockServer using the current builder state.
// Returns an error if required fields are missing or configuration is invalid.
func (b *ServerBuilder) Build() (AccessLockServer, error) {
	if !b.hasArbiter {
		return nil, errors.New("server builder: Arbiter must be set using WithArbiter")
	}
	if !b.hasNotifier {
		return nil, errors.New("server builder: Notifier must be set using WithNotifier")
	}

	b.prepareConfig()

	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("server builder: configuration validation failed: %w", err)
	}

	return NewAccessLockServer(b.config)
}
