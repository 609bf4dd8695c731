// Package api provides the gRPC Resolver service used by remote front
// controllers.
//
// The service is described by hand on top of protobuf well-known types, so
// no generated code is needed:
//
//	service redirector.v1.Resolver {
//	  rpc Resolve(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	}
//
// The response struct carries matched, rule_id, status_code and destination.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ResolverServiceName is the fully qualified gRPC service name.
	ResolverServiceName = "redirector.v1.Resolver"

	// ResolveMethod is the full method name of Resolve.
	ResolveMethod = "/" + ResolverServiceName + "/Resolve"
)

// ResolverServer is the server API for the Resolver service.
type ResolverServer interface {
	Resolve(ctx context.Context, uri *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ResolverServiceDesc describes the Resolver service for grpc.Server.
var ResolverServiceDesc = grpc.ServiceDesc{
	ServiceName: ResolverServiceName,
	HandlerType: (*ResolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Resolve",
			Handler:    resolveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "redirector/v1/resolver.proto",
}

// RegisterResolverServer registers srv on s.
func RegisterResolverServer(s grpc.ServiceRegistrar, srv ResolverServer) {
	s.RegisterService(&ResolverServiceDesc, srv)
}

func resolveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResolverServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ResolveMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ResolverServer).Resolve(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
