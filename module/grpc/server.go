// Package grpc runs analysis modules as separate processes reached over gRPC.
//
// A module binary is launched with --port and serves ModuleService plus the
// standard gRPC health service. Running modules out of process gives:
//   - isolation: a crashing module takes down only its own process
//   - hot reload without in-process code loading: refreshing a module whose
//     binary changed starts a replacement process and redirects calls to it
//   - modules written in any language with gRPC support
package grpc

import (
	"context"
	"encoding/json"
	"net"

	"github.com/teranos/vetta/errors"
	"github.com/teranos/vetta/module"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server exposes a Module over the module protocol.
// This is used by module binaries to serve their implementation.
type Server struct {
	module module.Module
	logger *zap.SugaredLogger
	health *health.Server
}

// NewServer creates a gRPC server wrapper for m
func NewServer(m module.Module, logger *zap.SugaredLogger) *Server {
	return &Server{
		module: m,
		logger: logger,
		health: health.NewServer(),
	}
}

// Serve listens on addr and serves until ctx is cancelled
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is cancelled
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	grpcServer := grpc.NewServer()
	RegisterModuleServiceServer(grpcServer, s)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.logger.Infow("Starting module server", "module", s.module.Metadata().Name, "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down module server")
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		return errors.Wrap(err, "gRPC server error")
	}
	return nil
}

// Metadata returns module metadata
func (s *Server) Metadata(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	meta := s.module.Metadata()
	return structpb.NewStruct(map[string]interface{}{
		"name":        meta.Name,
		"version":     meta.Version,
		"requires":    meta.Requires,
		"description": meta.Description,
	})
}

// ProcessImage runs the module on one image
func (s *Server) ProcessImage(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Value, error) {
	processor, ok := s.module.(module.ImageProcessor)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "module %s does not process images", s.module.Metadata().Name)
	}

	out, err := processor.ProcessImage(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	v, err := toValue(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "result not encodable: %v", err)
	}
	return v, nil
}

// Refresh refreshes the module in place
func (s *Server) Refresh(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.module.Refresh(ctx); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// toValue converts an arbitrary JSON-encodable result to a structpb.Value.
// structpb only accepts plain maps, slices and scalars, so other types go
// through a JSON round trip first.
func toValue(v any) (*structpb.Value, error) {
	if pv, err := structpb.NewValue(v); err == nil {
		return pv, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}
