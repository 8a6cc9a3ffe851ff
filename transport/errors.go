package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jathurchan/accesslock/arbiter"
	"github.com/jathurchan/accesslock/notify"
	"github.com/jathurchan/accesslock/types"
)

// ErrorDomain is the ErrorInfo domain attached to Arbiter service errors.
const ErrorDomain = "accesslock.v1"

// Reasons carried in ErrorInfo.Reason. They let a client restore the
// sentinel error of the daemon so errors.Is works across the socket.
const (
	ReasonConflict           = "CONFLICT"
	ReasonNotHolder          = "NOT_HOLDER"
	ReasonWaitQueueFull      = "WAIT_QUEUE_FULL"
	ReasonBackendUnavailable = "BACKEND_UNAVAILABLE"
	ReasonInvalidClass       = "INVALID_CLASS"
	ReasonInvalidProcess     = "INVALID_PROCESS"
	ReasonInvalidArgument    = "INVALID_ARGUMENT"
	ReasonClosed             = "CLOSED"
	ReasonAlreadySubscribed  = "ALREADY_SUBSCRIBED"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonInternal           = "INTERNAL"
)

type errorMapping struct {
	sentinel error
	code     codes.Code
	reason   string
}

var errorMappings = []errorMapping{
	{arbiter.ErrConflict, codes.Aborted, ReasonConflict},
	{arbiter.ErrNotHolder, codes.FailedPrecondition, ReasonNotHolder},
	{arbiter.ErrWaitQueueFull, codes.FailedPrecondition, ReasonWaitQueueFull},
	{arbiter.ErrBackendUnavailable, codes.Unavailable, ReasonBackendUnavailable},
	{types.ErrInvalidClass, codes.InvalidArgument, ReasonInvalidClass},
	{arbiter.ErrInvalidProcess, codes.InvalidArgument, ReasonInvalidProcess},
	{arbiter.ErrClosed, codes.Unavailable, ReasonClosed},
	{notify.ErrAlreadySubscribed, codes.AlreadyExists, ReasonAlreadySubscribed},
}

// NewStatusError builds a status error carrying an ErrorInfo detail.
func NewStatusError(code codes.Code, reason, message string, metadata map[string]string) error {
	st := status.New(code, message)
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   ErrorDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// ToStatus converts a service error into a gRPC status error. Errors that
// already are statuses pass through unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return NewStatusError(m.code, m.reason, err.Error(), nil)
		}
	}
	return NewStatusError(codes.Internal, ReasonInternal, err.Error(), nil)
}

// ErrorInfo extracts the ErrorInfo detail of a status error, if any.
func ErrorInfo(err error) *errdetails.ErrorInfo {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info
		}
	}
	return nil
}

// FromStatus restores the sentinel error behind a status error. The result
// wraps the sentinel, so errors.Is matches it, and keeps the status message.
// Statuses without a known reason are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	info := ErrorInfo(err)
	if info == nil {
		return err
	}
	st, _ := status.FromError(err)
	for _, m := range errorMappings {
		if m.reason == info.GetReason() {
			return &RemoteError{sentinel: m.sentinel, status: st}
		}
	}
	return err
}

// RemoteError is an error returned by the daemon. It matches both its
// sentinel (errors.Is) and its gRPC status (status.FromError).
type RemoteError struct {
	sentinel error
	status   *status.Status
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s", e.status.Message())
}

func (e *RemoteError) Unwrap() error {
	return e.sentinel
}

// GRPCStatus lets status.FromError and status.Code see the original status.
func (e *RemoteError) GRPCStatus() *status.Status {
	return e.status
}
