package server

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/jathurchan/accesslock/transport"
)

var (
	// ErrServerNotStarted indicates the server has not been started or is not yet ready.
	ErrServerNotStarted = errors.New("server: server not started or not ready")

	// ErrServerAlreadyStarted indicates an attempt to start an already running server.
	ErrServerAlreadyStarted = errors.New("server: server already started")

	// ErrServerStopped indicates the server has been stopped and cannot process requests.
	ErrServerStopped = errors.New("server: server stopped")

	// ErrRateLimited indicates the request was rejected due to rate limiting policies.
	ErrRateLimited = errors.New("server: request rate limited")

	// ErrShutdownTimeout indicates the server's graceful shutdown process timed out.
	ErrShutdownTimeout = errors.New("server: shutdown timed out")

	// ErrInvalidRequest indicates the request is malformed or contains invalid parameters
	// not caught by more specific validation errors.
	ErrInvalidRequest = errors.New("server: invalid request")

	// ErrSocketInUse indicates another daemon is already serving the socket path.
	ErrSocketInUse = errors.New("server: socket already in use")
)

// ValidationError represents a request validation error with details about the specific field.
type ValidationError struct {
	Field   string // The name of the field that failed validation.
	Value   any    // The value of the field that caused the error.
	Message string // A descriptive message explaining the validation failure.
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Error implements the error interface, providing a structured validation error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("server: validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// ServerError represents a generic internal server error, potentially wrapping an underlying cause.
type ServerError struct {
	Operation string // The operation being performed when the error occurred.
	Cause     error  // The underlying error, if any.
	Message   string // A high-level message describing the server error.
}

// NewServerError creates a new ServerError.
func NewServerError(operation string, cause error, message string) *ServerError {
	return &ServerError{
		Operation: operation,
		Cause:     cause,
		Message:   message,
	}
}

// Error implements the error interface, providing context about the operation and cause.
func (e *ServerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server: error during %s: %s (cause: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("server: error during %s: %s", e.Operation, e.Message)
}

// Unwrap provides compatibility with Go's errors.Is and errors.As by returning the cause.
func (e *ServerError) Unwrap() error {
	return e.Cause
}

// ErrorToStatus converts server and arbiter errors into gRPC status errors
// carrying an ErrorInfo detail. Validation failures keep the offending field
// in the detail metadata; everything else goes through the shared transport
// mapping so sentinels survive the trip to the client.
func ErrorToStatus(err error) error {
	if err == nil {
		return nil
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return transport.NewStatusError(codes.InvalidArgument, transport.ReasonInvalidArgument, validationErr.Message,
			map[string]string{
				"field": validationErr.Field,
				"value": fmt.Sprintf("%v", validationErr.Value),
			})
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return transport.NewStatusError(codes.ResourceExhausted, transport.ReasonRateLimited, ErrRateLimited.Error(), nil)
	case errors.Is(err, ErrServerNotStarted), errors.Is(err, ErrServerStopped):
		return transport.NewStatusError(codes.Unavailable, transport.ReasonClosed, err.Error(), nil)
	case errors.Is(err, ErrInvalidRequest):
		return transport.NewStatusError(codes.InvalidArgument, transport.ReasonInvalidArgument, err.Error(), nil)
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) && serverErr.Cause == nil {
		return transport.NewStatusError(codes.Internal, transport.ReasonInternal, serverErr.Message,
			map[string]string{"operation": serverErr.Operation})
	}
	return transport.ToStatus(err)
}
