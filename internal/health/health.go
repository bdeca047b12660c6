// Package health exposes the standard gRPC health service. Readiness follows
// the camera connection: SERVING while frames flow, NOT_SERVING while the
// capture loop is reconnecting.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"homeguard/internal/logger"
)

// CameraService is the service name reported for the capture pipeline.
const CameraService = "homeguard.camera"

// Checker tracks serving status for the process and the camera.
type Checker struct {
	srv *grpchealth.Server
}

// New returns a checker that starts NOT_SERVING until the camera connects.
func New() *Checker {
	c := &Checker{srv: grpchealth.NewServer()}
	c.set(healthpb.HealthCheckResponse_NOT_SERVING)

	return c
}

// CameraStatus implements camera.StatusObserver.
func (c *Checker) CameraStatus(connected bool) {
	if connected {
		c.set(healthpb.HealthCheckResponse_SERVING)

		return
	}

	c.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Register attaches the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

// Shutdown flips every service to NOT_SERVING and ignores later updates.
func (c *Checker) Shutdown() {
	c.srv.Shutdown()
}

func (c *Checker) set(status healthpb.HealthCheckResponse_ServingStatus) {
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(CameraService, status)
}

// Serve runs a gRPC server with the health service on addr until ctx is done.
func (c *Checker) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	return c.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (c *Checker) ServeListener(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	c.Register(s)

	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		c.Shutdown()
		s.GracefulStop()
		close(done)
	}()

	logger.InfoKV(ctx, "gRPC health server listening", "addr", lis.Addr().String())

	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc: %w", err)
	}

	<-done

	return nil
}
