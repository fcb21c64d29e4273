package server

import (
	"fmt"
	"net"

	"discord-archiver/archive"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "archiver"

// HealthServer exposes the standard gRPC health service. It reports
// NOT_SERVING until the crawl reaches the live phase.
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	log        *zap.Logger
}

func NewHealthServer(session *archive.Session, log *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &HealthServer{grpcServer: srv, health: hs, log: log.Named("grpc")}
	s.setStatus(session.Phase())
	session.OnPhase(func(c archive.PhaseChange) { s.setStatus(c.To) })
	return s
}

func (s *HealthServer) setStatus(phase archive.Phase) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if phase == archive.Live {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Start listens on addr and serves in the background.
func (s *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.log.Info("gRPC server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop marks every service NOT_SERVING and performs a graceful shutdown.
func (s *HealthServer) Stop() {
	s.log.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
