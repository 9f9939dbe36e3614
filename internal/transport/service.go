package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the node service.
const ServiceName = "tessera.GridService"

// Method names of the node service.
const (
	MethodGet            = "Get"
	MethodPut            = "Put"
	MethodRemove         = "Remove"
	MethodOwners         = "Owners"
	MethodAffinityConfig = "AffinityConfig"
	MethodNodeInfo       = "NodeInfo"
	MethodJoin           = "Join"
	MethodLeave          = "Leave"
)

// GridServiceServer is the server side of the node service. Every message is
// a structpb.Struct; the field layout of each method is documented on the
// server implementation.
type GridServiceServer interface {
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Put(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Owners(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AffinityConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	NodeInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Leave(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(GridServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func methodHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GridServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GridServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GridServiceDesc describes the node service for grpc.Server.RegisterService.
var GridServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GridServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodHandler(MethodGet, GridServiceServer.Get),
		methodHandler(MethodPut, GridServiceServer.Put),
		methodHandler(MethodRemove, GridServiceServer.Remove),
		methodHandler(MethodOwners, GridServiceServer.Owners),
		methodHandler(MethodAffinityConfig, GridServiceServer.AffinityConfig),
		methodHandler(MethodNodeInfo, GridServiceServer.NodeInfo),
		methodHandler(MethodJoin, GridServiceServer.Join),
		methodHandler(MethodLeave, GridServiceServer.Leave),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tessera/grid.proto",
}

// RegisterGridServiceServer registers srv on s.
func RegisterGridServiceServer(s grpc.ServiceRegistrar, srv GridServiceServer) {
	s.RegisterService(&GridServiceDesc, srv)
}
