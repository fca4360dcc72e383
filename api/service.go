package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "neuropil.v1.NodeControl"

// Request and response fields
const (
	FieldSubject     = "subject"
	FieldData        = "data"
	FieldAddress     = "address"
	FieldFingerprint = "fingerprint"
)

// NodeControlServer is the server API of the control service.
type NodeControlServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Join(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Sysinfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// NodeControlServiceDesc describes the control service. The messages are
// protobuf well-known types, so no generated code is needed.
var NodeControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", NodeControlServer.Send),
		unary("Join", NodeControlServer.Join),
		unary("Status", NodeControlServer.Status),
		unary("Health", NodeControlServer.Health),
		unary("Sysinfo", NodeControlServer.Sysinfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "neuropil/v1/control.proto",
}

// RegisterNodeControlServer registers srv on s.
func RegisterNodeControlServer(s grpc.ServiceRegistrar, srv NodeControlServer) {
	s.RegisterService(&NodeControlServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(NodeControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(NodeControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
