package grpcx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "collab.v1.Inspector"

	methodGetSession   = "/" + ServiceName + "/GetSession"
	methodListSessions = "/" + ServiceName + "/ListSessions"
)

// InspectorServer is a read-only view of the relay. Messages are well-known types, so the
// service needs no generated code.
type InspectorServer interface {
	GetSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	ListSessions(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var InspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSession", Handler: getSessionHandler},
		{MethodName: "ListSessions", Handler: listSessionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collab/v1/inspector.proto",
}

func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorServiceDesc, srv)
}

func getSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InspectorServer).GetSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listSessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListSessions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InspectorServer).ListSessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// InspectorClient talks to the service over any grpc.ClientConnInterface.
type InspectorClient struct {
	cc grpc.ClientConnInterface
}

func NewInspectorClient(cc grpc.ClientConnInterface) *InspectorClient {
	return &InspectorClient{cc: cc}
}

func (c *InspectorClient) GetSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetSession, wrapperspb.String(sessionID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InspectorClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListSessions, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
