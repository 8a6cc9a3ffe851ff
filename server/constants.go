package server

import "time"

const (
	// --- Default server configuration values ---

	// DefaultSocketPath is the default unix socket the daemon listens on.
	DefaultSocketPath = "/tmp/accesslock.sock"

	// DefaultRequestTimeout bounds the handling of a single unary request.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxRequestSize is the default maximum size for incoming gRPC messages (1MB).
	DefaultMaxRequestSize = 1 * 1024 * 1024

	// DefaultMaxResponseSize is the default maximum size for outgoing gRPC messages (4MB).
	DefaultMaxResponseSize = 4 * 1024 * 1024

	// DefaultMaxConcurrentStreams caps concurrent RPCs per client connection.
	DefaultMaxConcurrentStreams = 256

	// --- Rate limiting defaults ---

	// DefaultRateLimit is the default number of requests per window.
	DefaultRateLimit = 100

	// DefaultRateLimitBurst is the default burst size for rate limiting.
	DefaultRateLimitBurst = 200

	// DefaultRateLimitWindow is the default time window for rate limiting calculations.
	DefaultRateLimitWindow = time.Second

	// --- Keepalive defaults ---

	// DefaultKeepaliveTime is the interval between server pings on idle connections.
	DefaultKeepaliveTime = 30 * time.Second

	// DefaultKeepaliveTimeout is how long the server waits for a ping ack.
	DefaultKeepaliveTimeout = 5 * time.Second

	// socketMode lets every local user reach the daemon socket.
	socketMode = 0o666

	// staleSocketProbeTimeout bounds the dial used to tell a live daemon
	// from a stale socket file.
	staleSocketProbeTimeout = 200 * time.Millisecond

	// --- Validation limits for client-provided data ---

	// MaxProcessIDLength is the maximum allowed length for process ids.
	MaxProcessIDLength = 256

	// MaxTokenIDLength is the maximum allowed length for token ids.
	MaxTokenIDLength = 128

	// MaxEvictTimeout is the largest timeout accepted by EvictStale.
	MaxEvictTimeout = 24 * time.Hour

	// ErrMsgInvalidProcess is the error message template for invalid process ids.
	ErrMsgInvalidProcess = "process must be a non-empty string with length <= %d characters"
	// ErrMsgInvalidToken is the error message template for invalid token ids.
	ErrMsgInvalidToken = "token id must be a non-empty string with length <= %d characters"
)

// ServerOperationalState defines the possible operational states of the server.
type ServerOperationalState string

const (
	// ServerStateStarting indicates the server is in the process of starting up.
	ServerStateStarting ServerOperationalState = "starting"
	// ServerStateRunning indicates the server is running and accepting requests.
	ServerStateRunning ServerOperationalState = "running"
	// ServerStateStopping indicates the server is in the process of shutting down.
	ServerStateStopping ServerOperationalState = "stopping"
	// ServerStateStopped indicates the server has been stopped.
	ServerStateStopped ServerOperationalState = "stopped"
)

// gRPC method names for metrics collection and logging
const (
	MethodAcquire      = "Acquire"
	MethodRelease      = "Release"
	MethodHeartbeat    = "Heartbeat"
	MethodCancel       = "Cancel"
	MethodSetLifecycle = "SetLifecycle"
	MethodEvictStale   = "EvictStale"
	MethodStatus       = "Status"
	MethodClasses      = "Classes"
	MethodSubscribe    = "Subscribe"
)

// Error types for metrics and logging (used with ServerMetrics.IncrValidationError/IncrServerError)
const (
	ErrorTypeMissingField  = "missing_field"
	ErrorTypeInvalidFormat = "invalid_format"
	ErrorTypeOutOfRange    = "out_of_range"
	ErrorTypeTooLong       = "too_long"
	ErrorTypeInternalError = "internal_error"
	ErrorTypeUnavailable   = "backend_unavailable"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeRateLimit     = "rate_limit_exceeded"
)
