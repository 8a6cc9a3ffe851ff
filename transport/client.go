package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ArbiterClient is a client for the Arbiter service. Every call carries the
// JSON content subtype.
type ArbiterClient struct {
	cc grpc.ClientConnInterface
}

// NewArbiterClient wraps a connection.
func NewArbiterClient(cc grpc.ClientConnInterface) *ArbiterClient {
	return &ArbiterClient{cc: cc}
}

// EventReceiver is the client side of the Subscribe stream.
type EventReceiver interface {
	Recv() (*EventMessage, error)
	grpc.ClientStream
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ArbiterClient) Acquire(ctx context.Context, in *AcquireRequest, opts ...grpc.CallOption) (*AcquireResponse, error) {
	return invoke[AcquireResponse](ctx, c.cc, AcquireMethod, in, opts)
}

func (c *ArbiterClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c.cc, ReleaseMethod, in, opts)
}

func (c *ArbiterClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, HeartbeatMethod, in, opts)
}

func (c *ArbiterClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, CancelMethod, in, opts)
}

func (c *ArbiterClient) SetLifecycle(ctx context.Context, in *SetLifecycleRequest, opts ...grpc.CallOption) (*SetLifecycleResponse, error) {
	return invoke[SetLifecycleResponse](ctx, c.cc, SetLifecycleMethod, in, opts)
}

func (c *ArbiterClient) EvictStale(ctx context.Context, in *EvictStaleRequest, opts ...grpc.CallOption) (*EvictStaleResponse, error) {
	return invoke[EvictStaleResponse](ctx, c.cc, EvictStaleMethod, in, opts)
}

func (c *ArbiterClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, StatusMethod, in, opts)
}

func (c *ArbiterClient) Classes(ctx context.Context, in *ClassesRequest, opts ...grpc.CallOption) (*ClassesResponse, error) {
	return invoke[ClassesResponse](ctx, c.cc, ClassesMethod, in, opts)
}

// Subscribe opens the event stream for a process.
func (c *ArbiterClient) Subscribe(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (EventReceiver, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &eventReceiver{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type eventReceiver struct {
	grpc.ClientStream
}

func (x *eventReceiver) Recv() (*EventMessage, error) {
	m := new(EventMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
