package transport

import (
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/jathurchan/accesslock/types"
)

type AcquireRequest struct {
	Class     types.ResourceClass `json:"class"`
	Requester types.Requester     `json:"requester"`
}

type AcquireResponse struct {
	Result types.AcquireResult `json:"result"`
}

type ReleaseRequest struct {
	Class   types.ResourceClass `json:"class"`
	Process types.ProcessID     `json:"process"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type HeartbeatRequest struct {
	Class   types.ResourceClass `json:"class"`
	Process types.ProcessID     `json:"process"`
}

type HeartbeatResponse struct{}

type CancelRequest struct {
	Token types.Token `json:"token"`
}

type CancelResponse struct {
	Removed bool `json:"removed"`
}

type SetLifecycleRequest struct {
	Class     types.ResourceClass  `json:"class"`
	Process   types.ProcessID      `json:"process"`
	Lifecycle types.LifecycleState `json:"lifecycle"`
}

type SetLifecycleResponse struct{}

// EvictStaleRequest asks for eviction of a silent holder. A nil or
// non-positive Timeout uses the daemon's configured heartbeat timeout.
type EvictStaleRequest struct {
	Class   types.ResourceClass  `json:"class"`
	Timeout *durationpb.Duration `json:"timeout,omitempty"`
}

type EvictStaleResponse struct {
	Evicted bool `json:"evicted"`
}

type StatusRequest struct {
	Class types.ResourceClass `json:"class"`
}

type StatusResponse struct {
	State types.ClassState `json:"state"`
}

type ClassesRequest struct{}

type ClassesResponse struct {
	Classes []types.ResourceClass `json:"classes"`
}

// SubscribeRequest opens the event stream of one process.
type SubscribeRequest struct {
	Process types.ProcessID `json:"process"`
}

type EventMessage struct {
	Event types.Event `json:"event"`
}
