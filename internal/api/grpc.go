package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/adverant/nexus/captcha-worker/internal/logging"
)

// ServiceName is the health-check service name for the recognition pipeline.
const ServiceName = "captcha.Recognizer"

// GRPCServer exposes gRPC health and reflection for orchestration probes
type GRPCServer struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	probe    func(ctx context.Context) error
	interval time.Duration
	logger   *logging.Logger
}

// NewGRPCServer creates the server. probe, when set, is polled every interval
// and drives the ServiceName status; the overall status stays SERVING.
func NewGRPCServer(addr string, probe func(ctx context.Context) error, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	return &GRPCServer{
		addr:     addr,
		server:   grpcServer,
		health:   hs,
		probe:    probe,
		interval: interval,
		logger:   logging.NewLogger("gRPC"),
	}
}

// Health returns the health server so callers can flip statuses
func (g *GRPCServer) Health() *health.Server {
	return g.health
}

// Serve serves on lis until ctx is cancelled
func (g *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gRPC serving", "addr", lis.Addr().String())
		errCh <- g.server.Serve(lis)
	}()

	if g.probe != nil {
		go g.watch(ctx)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	g.health.Shutdown()
	g.server.GracefulStop()
	g.logger.Info("gRPC server stopped")
	return nil
}

// Run listens on the configured address and serves until ctx is cancelled
func (g *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.addr, err)
	}
	return g.Serve(ctx, lis)
}

func (g *GRPCServer) watch(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		g.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *GRPCServer) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := g.probe(probeCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("Health probe failed", "error", err)
		g.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	g.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}
