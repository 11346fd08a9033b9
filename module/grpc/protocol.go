package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service implemented by module binaries.
//
// Messages are protobuf well-known types so module authors in any language
// can implement the service without vetta-specific .proto files:
//
//	rpc Metadata(google.protobuf.Empty) returns (google.protobuf.Struct)
//	rpc ProcessImage(google.protobuf.BytesValue) returns (google.protobuf.Value)
//	rpc Refresh(google.protobuf.Empty) returns (google.protobuf.Empty)
const ServiceName = "vetta.module.v1.ModuleService"

const (
	methodMetadata     = "/" + ServiceName + "/Metadata"
	methodProcessImage = "/" + ServiceName + "/ProcessImage"
	methodRefresh      = "/" + ServiceName + "/Refresh"
)

// ModuleServiceServer is the server side of the module protocol
type ModuleServiceServer interface {
	Metadata(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ProcessImage(context.Context, *wrapperspb.BytesValue) (*structpb.Value, error)
	Refresh(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ModuleServiceClient is the client side of the module protocol
type ModuleServiceClient interface {
	Metadata(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	ProcessImage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Value, error)
	Refresh(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type moduleServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewModuleServiceClient creates a client for the module protocol
func NewModuleServiceClient(cc grpc.ClientConnInterface) ModuleServiceClient {
	return &moduleServiceClient{cc: cc}
}

func (c *moduleServiceClient) Metadata(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodMetadata, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *moduleServiceClient) ProcessImage(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Value, error) {
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, methodProcessImage, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *moduleServiceClient) Refresh(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodRefresh, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterModuleServiceServer registers srv on s
func RegisterModuleServiceServer(s grpc.ServiceRegistrar, srv ModuleServiceServer) {
	s.RegisterService(&moduleServiceDesc, srv)
}

var moduleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Metadata", Handler: metadataHandler},
		{MethodName: "ProcessImage", Handler: processImageHandler},
		{MethodName: "Refresh", Handler: refreshHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vetta/module/v1/module.proto",
}

func metadataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServiceServer).Metadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMetadata}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ModuleServiceServer).Metadata(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func processImageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServiceServer).ProcessImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodProcessImage}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ModuleServiceServer).ProcessImage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func refreshHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModuleServiceServer).Refresh(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRefresh}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ModuleServiceServer).Refresh(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
