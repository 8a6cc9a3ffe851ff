package server

import (
	"net"
	"time"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/clock"
	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/notify"
)

// ServerConfig holds the configuration settings for an arbiter daemon.
type ServerConfig struct {
	// SocketPath is the unix socket the daemon serves on.
	SocketPath string

	// Listener, when set, is used instead of creating SocketPath.
	// The server takes ownership and closes it on Stop.
	Listener net.Listener

	// Arbiter decides every request. The server does not close it.
	Arbiter arbiter.Arbiter

	// Notifier carries arbiter events to subscribed processes. It must be the
	// channel the arbiter publishes to. The server does not close it.
	Notifier notify.Channel

	// RunSweeper runs the arbiter's stale holder sweeper while serving.
	RunSweeper bool

	RequestTimeout       time.Duration // Max time to handle a unary request
	ShutdownTimeout      time.Duration // Max time allowed for graceful shutdown
	MaxRequestSize       int           // Maximum size of incoming messages (in bytes)
	MaxResponseSize      int           // Maximum size of outgoing messages (in bytes)
	MaxConcurrentStreams uint32        // Max concurrent RPCs per connection

	EnableRateLimit bool          // Whether rate limiting is enforced
	RateLimit       int           // Requests allowed per window
	RateLimitBurst  int           // Burst capacity
	RateLimitWindow time.Duration // Time window used for rate calculation

	KeepaliveTime    time.Duration // Ping interval on idle connections
	KeepaliveTimeout time.Duration // Wait for a ping ack before closing

	Logger  logger.Logger
	Metrics ServerMetrics
	Clock   clock.Clock
}

// DefaultServerConfig returns a ServerConfig pre-populated with safe defaults.
// Callers must set Arbiter and Notifier.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:           DefaultSocketPath,
		RunSweeper:           true,
		RequestTimeout:       DefaultRequestTimeout,
		ShutdownTimeout:      DefaultShutdownTimeout,
		MaxRequestSize:       DefaultMaxRequestSize,
		MaxResponseSize:      DefaultMaxResponseSize,
		MaxConcurrentStreams: DefaultMaxConcurrentStreams,
		EnableRateLimit:      false,
		RateLimit:            DefaultRateLimit,
		RateLimitBurst:       DefaultRateLimitBurst,
		RateLimitWindow:      DefaultRateLimitWindow,
		KeepaliveTime:        DefaultKeepaliveTime,
		KeepaliveTimeout:     DefaultKeepaliveTimeout,
		Logger:               logger.NewNoOpLogger(),
		Metrics:              NewNoOpServerMetrics(),
		Clock:                clock.NewStandardClock(),
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.SocketPath == "" && c.Listener == nil {
		return NewServerConfigError("SocketPath cannot be empty")
	}
	if c.Arbiter == nil {
		return NewServerConfigError("Arbiter cannot be nil")
	}
	if c.Notifier == nil {
		return NewServerConfigError("Notifier cannot be nil")
	}

	checkPositiveDuration := func(val time.Duration, name string) error {
		if val <= 0 {
			return NewServerConfigError(name + " must be positive")
		}
		return nil
	}

	checkPositiveInt := func(val int, name string) error {
		if val <= 0 {
			return NewServerConfigError(name + " must be positive")
		}
		return nil
	}

	if err := checkPositiveDuration(c.RequestTimeout, "RequestTimeout"); err != nil {
		return err
	}
	if err := checkPositiveDuration(c.ShutdownTimeout, "ShutdownTimeout"); err != nil {
		return err
	}
	if err := checkPositiveInt(c.MaxRequestSize, "MaxRequestSize"); err != nil {
		return err
	}
	if err := checkPositiveInt(c.MaxResponseSize, "MaxResponseSize"); err != nil {
		return err
	}
	if c.MaxConcurrentStreams == 0 {
		return NewServerConfigError("MaxConcurrentStreams must be positive")
	}
	if err := checkPositiveDuration(c.KeepaliveTime, "KeepaliveTime"); err != nil {
		return err
	}
	if err := checkPositiveDuration(c.KeepaliveTimeout, "KeepaliveTimeout"); err != nil {
		return err
	}

	if c.EnableRateLimit {
		if err := checkPositiveInt(c.RateLimit, "RateLimit"); err != nil {
			return err
		}
		if err := checkPositiveInt(c.RateLimitBurst, "RateLimitBurst"); err != nil {
			return err
		}
		if err := checkPositiveDuration(c.RateLimitWindow, "RateLimitWindow"); err != nil {
			return err
		}
	}
	return nil
}

// ServerConfigError represents a validation error in ServerConfig.
type ServerConfigError struct {
	Message string
}

// NewServerConfigError returns a new ServerConfigError instance.
func NewServerConfigError(msg string) *ServerConfigError {
	return &ServerConfigError{Message: msg}
}

// Error implements the error interface.
func (e *ServerConfigError) Error() string {
	return "server config error: " + e.Message
}
