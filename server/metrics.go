package server

import (
	"time"

	"google.golang.org/grpc/codes"
)

// ServerMetrics defines observability hooks for the arbiter daemon.
// All methods must be safe for concurrent use.
type ServerMetrics interface {
	// IncrGRPCRequest increments the count for an RPC method invocation.
	// 'success' should reflect overall success from the client's perspective.
	IncrGRPCRequest(method string, success bool)

	// IncrValidationError increments validation failure counters.
	// 'errorType' is a string like "missing_field" or "too_long".
	IncrValidationError(method string, errorType string)

	// IncrClientError increments counts for errors caused by the caller, keyed
	// by the gRPC code returned.
	IncrClientError(method string, code codes.Code)

	// IncrServerError increments counts for internal server-side errors.
	IncrServerError(method string, errorType string)

	// ObserveRequestLatency records end-to-end latency for a gRPC method call.
	ObserveRequestLatency(method string, latency time.Duration)

	// IncrConcurrentRequests adjusts the count of concurrently active requests.
	// Use delta +1 at request start, -1 when completed.
	IncrConcurrentRequests(method string, delta int)

	// SetServerState sets the health gauge.
	SetServerState(isHealthy bool)

	// SetActiveSubscriptions sets the number of open event streams.
	SetActiveSubscriptions(count int)

	// IncrEventsStreamed counts events written to subscriber streams.
	IncrEventsStreamed()
}

// NoOpServerMetrics provides a no-operation implementation of ServerMetrics.
type NoOpServerMetrics struct{}

// NewNoOpServerMetrics creates a new no-operation metrics implementation.
func NewNoOpServerMetrics() ServerMetrics {
	return &NoOpServerMetrics{}
}

func (n *NoOpServerMetrics) IncrGRPCRequest(method string, success bool)                {}
func (n *NoOpServerMetrics) IncrValidationError(method string, errorType string)        {}
func (n *NoOpServerMetrics) IncrClientError(method string, code codes.Code)             {}
func (n *NoOpServerMetrics) IncrServerError(method string, errorType string)            {}
func (n *NoOpServerMetrics) ObserveRequestLatency(method string, latency time.Duration) {}
func (n *NoOpServerMetrics) IncrConcurrentRequests(method string, delta int)            {}
func (n *NoOpServerMetrics) SetServerState(isHealthy bool)                              {}
func (n *NoOpServerMetrics) SetActiveSubscriptions(count int)                           {}
func (n *NoOpServerMetrics) IncrEventsStreamed()                                        {}
