package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified control API service name.
const ServiceName = "wppsync.v1.OutboxService"

// OutboxServer is the server side of the control API.
type OutboxServer interface {
	Enqueue(context.Context, *EnqueueRequest) (*EnqueueResponse, error)
	ListPending(context.Context, *ListPendingRequest) (*ListPendingResponse, error)
	GetSyncState(context.Context, *GetSyncStateRequest) (*SyncState, error)
	Drain(context.Context, *DrainRequest) (*DrainResponse, error)
	WatchSyncState(*WatchSyncStateRequest, grpc.ServerStreamingServer[SyncState]) error
}

// RegisterOutboxServer registers srv on s.
func RegisterOutboxServer(s grpc.ServiceRegistrar, srv OutboxServer) {
	s.RegisterService(&OutboxServiceDesc, srv)
}

// OutboxServiceDesc describes OutboxService for grpc.
var OutboxServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OutboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: enqueueHandler},
		{MethodName: "ListPending", Handler: listPendingHandler},
		{MethodName: "GetSyncState", Handler: getSyncStateHandler},
		{MethodName: "Drain", Handler: drainHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSyncState", Handler: watchSyncStateHandler, ServerStreams: true},
	},
	Metadata: "wppsync/v1/outbox.json",
}

func unary[Req, Resp any](method string, call func(OutboxServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OutboxServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OutboxServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	enqueueHandler      = unary("Enqueue", OutboxServer.Enqueue)
	listPendingHandler  = unary("ListPending", OutboxServer.ListPending)
	getSyncStateHandler = unary("GetSyncState", OutboxServer.GetSyncState)
	drainHandler        = unary("Drain", OutboxServer.Drain)
)

func watchSyncStateHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchSyncStateRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OutboxServer).WatchSyncState(in, &grpc.GenericServerStream[WatchSyncStateRequest, SyncState]{ServerStream: stream})
}

// OutboxClient is the client side of the control API.
type OutboxClient struct {
	cc grpc.ClientConnInterface
}

// NewOutboxClient returns a client using the JSON codec over cc.
func NewOutboxClient(cc grpc.ClientConnInterface) *OutboxClient {
	return &OutboxClient{cc: cc}
}

func (c *OutboxClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *OutboxClient) Enqueue(ctx context.Context, in *EnqueueRequest, opts ...grpc.CallOption) (*EnqueueResponse, error) {
	out := new(EnqueueResponse)
	if err := c.invoke(ctx, "Enqueue", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxClient) ListPending(ctx context.Context, in *ListPendingRequest, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	out := new(ListPendingResponse)
	if err := c.invoke(ctx, "ListPending", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxClient) GetSyncState(ctx context.Context, in *GetSyncStateRequest, opts ...grpc.CallOption) (*SyncState, error) {
	out := new(SyncState)
	if err := c.invoke(ctx, "GetSyncState", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OutboxClient) Drain(ctx context.Context, in *DrainRequest, opts ...grpc.CallOption) (*DrainResponse, error) {
	out := new(DrainResponse)
	if err := c.invoke(ctx, "Drain", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchSyncState streams state snapshots, starting with the current one.
func (c *OutboxClient) WatchSyncState(ctx context.Context, in *WatchSyncStateRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[SyncState], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &OutboxServiceDesc.Streams[0], "/"+ServiceName+"/WatchSyncState", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchSyncStateRequest, SyncState]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
