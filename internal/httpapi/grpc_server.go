package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agencydash.app/internal/obs"
)

// GRPCServer serves the standard gRPC health service and keeps its status in
// step with the readiness probe.
type GRPCServer struct {
	addr     string
	ready    ReadinessChecker
	interval time.Duration
	server   *grpc.Server
	health   *health.Server
}

// NewGRPCServer creates the gRPC service wrapper. interval <= 0 probes every 10s.
func NewGRPCServer(addr string, r ReadinessChecker, interval time.Duration) *GRPCServer {
	if r == nil {
		r = ReadyFunc(nil)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCServer{addr: addr, ready: r, interval: interval, server: srv, health: hs}
}

// Probe runs the readiness check once and publishes the result under both
// the overall ("") and the named service.
func (s *GRPCServer) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	err := s.ready.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Ctx(ctx).Warn().Err(err).Msg("readiness_failed")
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return err == nil
}

// Serve listens on the configured address until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	s.Probe(ctx)
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		case <-ticker.C:
			s.Probe(ctx)
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			<-errCh
			return ctx.Err()
		}
	}
}

func (s *GRPCServer) String() string { return "grpc-server" }
