package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the remote worker
const ServiceName = "contactorder.v1.ContactOrderWorker"

const computeMethod = "/" + ServiceName + "/Compute"

// ComputeServer is the server API of the remote worker service.
// Messages are google.protobuf.Struct so no generated code is needed.
type ComputeServer interface {
	Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func computeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComputeServer).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: computeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComputeServer).Compute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the remote worker service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ComputeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Compute",
			Handler:    computeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "contactorder/v1/worker.proto",
}

// RegisterComputeServer registers srv on s
func RegisterComputeServer(s grpc.ServiceRegistrar, srv ComputeServer) {
	s.RegisterService(&ServiceDesc, srv)
}
