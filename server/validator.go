package server

import (
	"fmt"
	"strings"

	"github.com/jathurchan/accesslock/logger"
	"github.com/jathurchan/accesslock/transport"
	"github.com/jathurchan/accesslock/types"
)

// RequestValidator checks incoming requests before they reach the arbiter.
// Each method returns a *ValidationError describing the first bad field.
type RequestValidator interface {
	ValidateAcquireRequest(req *transport.AcquireRequest) error
	ValidateReleaseRequest(req *transport.ReleaseRequest) error
	ValidateHeartbeatRequest(req *transport.HeartbeatRequest) error
	ValidateCancelRequest(req *transport.CancelRequest) error
	ValidateSetLifecycleRequest(req *transport.SetLifecycleRequest) error
	ValidateEvictStaleRequest(req *transport.EvictStaleRequest) error
	ValidateStatusRequest(req *transport.StatusRequest) error
	ValidateSubscribeRequest(req *transport.SubscribeRequest) error
}

// requestValidator implements the RequestValidator interface.
type requestValidator struct {
	logger logger.Logger
}

// NewRequestValidator creates a new default request validator.
func NewRequestValidator(logger logger.Logger) RequestValidator {
	return &requestValidator{
		logger: logger,
	}
}

func (v *requestValidator) ValidateAcquireRequest(req *transport.AcquireRequest) error {
	if err := v.validateClass("class", req.Class); err != nil {
		return err
	}
	if err := v.validateProcess("requester.process", req.Requester.Process); err != nil {
		return err
	}
	if req.Requester.PID < 0 {
		return NewValidationError("requester.pid", req.Requester.PID, "pid cannot be negative")
	}
	return v.validateLifecycle("requester.lifecycle", req.Requester.Lifecycle)
}

func (v *requestValidator) ValidateReleaseRequest(req *transport.ReleaseRequest) error {
	if err := v.validateClass("class", req.Class); err != nil {
		return err
	}
	return v.validateProcess("process", req.Process)
}

func (v *requestValidator) ValidateHeartbeatRequest(req *transport.HeartbeatRequest) error {
	if err := v.validateClass("class", req.Class); err != nil {
		return err
	}
	return v.validateProcess("process", req.Process)
}

func (v *requestValidator) ValidateCancelRequest(req *transport.CancelRequest) error {
	if err := v.validateClass("token.class", req.Token.Class); err != nil {
		return err
	}
	id := req.Token.ID
	if id == "" || len(id) > MaxTokenIDLength {
		return NewValidationError("token.id", id, fmt.Sprintf(ErrMsgInvalidToken, MaxTokenIDLength))
	}
	return nil
}

func (v *requestValidator) ValidateSetLifecycleRequest(req *transport.SetLifecycleRequest) error {
	if err := v.validateClass("class", req.Class); err != nil {
		return err
	}
	if err := v.validateProcess("process", req.Process); err != nil {
		return err
	}
	return v.validateLifecycle("lifecycle", req.Lifecycle)
}

// ValidateEvictStaleRequest accepts a missing timeout, which means the
// daemon's configured heartbeat timeout.
func (v *requestValidator) ValidateEvictStaleRequest(req *transport.EvictStaleRequest) error {
	if err := v.validateClass("class", req.Class); err != nil {
		return err
	}
	if req.Timeout == nil {
		return nil
	}
	if err := req.Timeout.CheckValid(); err != nil {
		return NewValidationError("timeout", req.Timeout, err.Error())
	}
	if d := req.Timeout.AsDuration(); d < 0 || d > MaxEvictTimeout {
		return NewValidationError("timeout", d.String(), fmt.Sprintf("timeout must be between 0 and %v", MaxEvictTimeout))
	}
	return nil
}

func (v *requestValidator) ValidateStatusRequest(req *transport.StatusRequest) error {
	return v.validateClass("class", req.Class)
}

func (v *requestValidator) ValidateSubscribeRequest(req *transport.SubscribeRequest) error {
	return v.validateProcess("process", req.Process)
}

func (v *requestValidator) validateClass(field string, class types.ResourceClass) error {
	if class == "" {
		return NewValidationError(field, class, "class cannot be empty")
	}
	if err := class.Validate(); err != nil {
		return NewValidationError(field, class, "class must match [a-z0-9][a-z0-9._-]{0,63}")
	}
	return nil
}

func (v *requestValidator) validateProcess(field string, process types.ProcessID) error {
	if process == "" {
		return NewValidationError(field, process, "process cannot be empty")
	}
	if len(process) > MaxProcessIDLength {
		return NewValidationError(field, process, fmt.Sprintf(ErrMsgInvalidProcess, MaxProcessIDLength))
	}
	if strings.ContainsAny(string(process), "\x00\n\r\t") {
		return NewValidationError(field, process, "process contains invalid characters (null, newline, tab)")
	}
	return nil
}

func (v *requestValidator) validateLifecycle(field string, l types.LifecycleState) error {
	if l != types.LifecycleForeground && l != types.LifecycleBackground {
		return NewValidationError(field, int(l), "lifecycle must be foreground or background")
	}
	return nil
}
