package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "accesslock.v1.Arbiter"

const (
	AcquireMethod      = "/" + ServiceName + "/Acquire"
	ReleaseMethod      = "/" + ServiceName + "/Release"
	HeartbeatMethod    = "/" + ServiceName + "/Heartbeat"
	CancelMethod       = "/" + ServiceName + "/Cancel"
	SetLifecycleMethod = "/" + ServiceName + "/SetLifecycle"
	EvictStaleMethod   = "/" + ServiceName + "/EvictStale"
	StatusMethod       = "/" + ServiceName + "/Status"
	ClassesMethod      = "/" + ServiceName + "/Classes"
	SubscribeMethod    = "/" + ServiceName + "/Subscribe"
)

// ArbiterServer is the server API for the Arbiter service.
type ArbiterServer interface {
	Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
	SetLifecycle(context.Context, *SetLifecycleRequest) (*SetLifecycleResponse, error)
	EvictStale(context.Context, *EvictStaleRequest) (*EvictStaleResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Classes(context.Context, *ClassesRequest) (*ClassesResponse, error)

	// Subscribe streams events for one process until the client goes away.
	Subscribe(*SubscribeRequest, EventSender) error
}

// EventSender is the server side of the Subscribe stream.
type EventSender interface {
	Send(*EventMessage) error
	// SendHeader tells the client the subscription was accepted.
	SendHeader(metadata.MD) error
	Context() context.Context
}

// RegisterArbiterServer registers srv with a gRPC server.
func RegisterArbiterServer(s grpc.ServiceRegistrar, srv ArbiterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Arbiter service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArbiterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: unaryHandler(AcquireMethod, ArbiterServer.Acquire)},
		{MethodName: "Release", Handler: unaryHandler(ReleaseMethod, ArbiterServer.Release)},
		{MethodName: "Heartbeat", Handler: unaryHandler(HeartbeatMethod, ArbiterServer.Heartbeat)},
		{MethodName: "Cancel", Handler: unaryHandler(CancelMethod, ArbiterServer.Cancel)},
		{MethodName: "SetLifecycle", Handler: unaryHandler(SetLifecycleMethod, ArbiterServer.SetLifecycle)},
		{MethodName: "EvictStale", Handler: unaryHandler(EvictStaleMethod, ArbiterServer.EvictStale)},
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, ArbiterServer.Status)},
		{MethodName: "Classes", Handler: unaryHandler(ClassesMethod, ArbiterServer.Classes)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "accesslock/v1/arbiter",
}

// unaryHandler adapts a typed ArbiterServer method to a grpc.MethodHandler.
func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(ArbiterServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ArbiterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ArbiterServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ArbiterServer).Subscribe(in, &eventSender{stream})
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(m *EventMessage) error {
	return s.ServerStream.SendMsg(m)
}
