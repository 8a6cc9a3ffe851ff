package client

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/transport"
)

// Common client errors
var (
	// ErrClientClosed is returned when attempting to use a closed handle or backend.
	ErrClientClosed = errors.New("client: closed")

	// ErrInvalidCallback is returned when RequestAccess is called without a callback.
	ErrInvalidCallback = errors.New("client: callback must not be nil")

	// ErrInvalidProcess is returned when a handle is configured without a process id.
	ErrInvalidProcess = errors.New("client: process id must not be empty")
)

// ClientError wraps an error with additional client context.
type ClientError struct {
	Op      string            // Operation that failed
	Err     error             // Underlying error
	Code    codes.Code        // gRPC code reported by the daemon, codes.OK for local errors
	Details map[string]string // Additional error details
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf(
			"client %s failed: %v (code: %v, details: %v)",
			e.Op,
			e.Err,
			e.Code,
			e.Details,
		)
	}
	return fmt.Sprintf("client %s failed: %v (code: %v)", e.Op, e.Err, e.Code)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target error.
func (e *ClientError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewClientError creates a new ClientError.
func NewClientError(
	op string,
	err error,
	code codes.Code,
	details map[string]string,
) *ClientError {
	return &ClientError{
		Op:      op,
		Err:     err,
		Code:    code,
		Details: details,
	}
}

// fromRPCError converts an error returned by a gRPC call into a ClientError
// whose chain carries the daemon's sentinel. A daemon that cannot be reached
// is reported as arbiter.ErrBackendUnavailable.
func fromRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewClientError(op, err, codes.Unknown, nil)
	}

	var details map[string]string
	if info := transport.ErrorInfo(err); info != nil {
		details = info.GetMetadata()
	}

	restored := transport.FromStatus(err)
	if restored == err {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			restored = fmt.Errorf("%w: %s", arbiter.ErrBackendUnavailable, st.Message())
		}
	}
	return NewClientError(op, restored, st.Code(), details)
}

// isBackendDown reports whether err means the arbitration backend could not
// be used at all. Such failures are answered with BUSY and surfaced.
func isBackendDown(err error) bool {
	return errors.Is(err, arbiter.ErrBackendUnavailable) ||
		errors.Is(err, arbiter.ErrClosed) ||
		errors.Is(err, ErrClientClosed)
}

// isDenied reports whether err is a transient refusal that maps to BUSY
// without being surfaced to the caller.
func isDenied(err error) bool {
	return errors.Is(err, arbiter.ErrConflict) || errors.Is(err, arbiter.ErrWaitQueueFull)
}
