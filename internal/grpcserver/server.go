// Package grpcserver exposes solver readiness through the standard gRPC health service.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"blindsolve/internal/astap"
)

// Health service names. The empty name reports the process itself.
const (
	ServiceLocal  = "blindsolve.local"
	ServiceRemote = "blindsolve.remote"
)

// Probe reports whether a backend can currently be used.
type Probe func(ctx context.Context) bool

// LocalProbe checks the configured ASTAP executable without running it.
func LocalProbe(path, platform string) Probe {
	return func(context.Context) bool {
		return astap.CheckTool(path, platform).Available
	}
}

// RemoteProbe requires an API key and a reachable service at baseURL.
func RemoteProbe(baseURL, apiKey string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) bool {
		if apiKey == "" {
			return false
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}

// Server serves grpc.health.v1 with one status per probe.
type Server struct {
	addr     string
	probes   map[string]Probe
	interval time.Duration
	health   *health.Server
	log      *slog.Logger
}

// New builds a server that re-runs probes every interval.
func New(addr string, probes map[string]Probe, interval time.Duration, log *slog.Logger) *Server {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, probes: probes, interval: interval, health: health.NewServer(), log: log}
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)

	s.refresh(ctx)
	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for name, probe := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, s.interval)
		ok := probe(pctx)
		cancel()
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(name, status)
		s.log.Debug("health probe", "service", name, "serving", ok)
	}
}
