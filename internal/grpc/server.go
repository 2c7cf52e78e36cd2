package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"nyyu-chartfeed/internal/config"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// FeedStatus reports the state of the market-data connection
type FeedStatus interface {
	IsConnected() bool
	IsReadyForSubscriptions() bool
}

type Server struct {
	config     *config.Config
	feed       FeedStatus
	logger     *logrus.Logger
	grpcServer *grpc.Server
	health     *health.Server
	startTime  time.Time

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

func NewServer(cfg *config.Config, feed FeedStatus, logger *logrus.Logger) *Server {
	s := &Server{
		config:    cfg,
		feed:      feed,
		logger:    logger,
		health:    health.NewServer(),
		startTime: time.Now(),
		status:    healthpb.HealthCheckResponse_UNKNOWN,
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.UpdateHealth()
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Infof("gRPC server listening on :%d", s.config.Server.GRPCPort)
	return s.Serve(lis)
}

// Serve runs the server on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.logger.Info("Stopping gRPC server...")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()

	err := handler(srv, ss)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
