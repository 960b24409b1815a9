// Package api exposes the frontend's Remote Execution services over gRPC.
package api

import (
	"fmt"
	"net"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/zerolog"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/instance"
	"github.com/cuemby/kiln/pkg/log"
)

// Server assembles the frontend gRPC services around one shard instance
type Server struct {
	listen    string
	instance  *instance.Instance
	backplane backplane.Backplane
	grpc      *grpc.Server
	logger    zerolog.Logger
}

// NewServer creates the frontend server
func NewServer(listen string, in *instance.Instance, bp backplane.Backplane) *Server {
	s := &Server{
		listen:    listen,
		instance:  in,
		backplane: bp,
		logger:    log.Component("api"),
	}
	s.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(),
			grpc_prometheus.StreamServerInterceptor,
		)),
	)
	repb.RegisterExecutionServer(s.grpc, s)
	repb.RegisterActionCacheServer(s.grpc, s)
	repb.RegisterContentAddressableStorageServer(s.grpc, s)
	repb.RegisterCapabilitiesServer(s.grpc, s)
	bspb.RegisterByteStreamServer(s.grpc, s)
	grpc_prometheus.Register(s.grpc)
	return s
}

// Start serves until Stop is called
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Frontend serving")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and shuts the server down
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
