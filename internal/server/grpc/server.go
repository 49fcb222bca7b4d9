package grpcserver

import (
	"context"
	"net"
	"time"

	"github.com/rzbill/stageflow/internal/runtime"
	"github.com/rzbill/stageflow/pkg/log"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthRefresh is how often runtime health is mirrored into the health
// service.
const healthRefresh = 5 * time.Second

// Server is the node's gRPC endpoint.
type Server struct {
	health *healthSvc
	grpc   *grpc.Server
	logger log.Logger
}

// New builds the gRPC server with the health and reflection services. opts
// are appended after the built-in logging interceptor.
func New(rt *runtime.Runtime, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.WithComponent("grpc")
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary(logger))}, opts...)
	s := &Server{health: newHealthSvc(rt), grpc: grpc.NewServer(opts...), logger: logger}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("grpc listening", log.Str("addr", l.Addr().String()))
	go s.health.watch(ctx, healthRefresh)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server immediately.
func (s *Server) Close() { s.grpc.Stop() }

func logUnary(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			log.Str("method", info.FullMethod),
			log.Str("code", status.Code(err).String()),
			log.Dur("duration", time.Since(start)),
		)
		return resp, err
	}
}
