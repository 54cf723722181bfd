// Package server exposes the federation engine over HTTP and gRPC.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthServices are reported individually by gRPC health and /healthz/ready
var healthServices = []string{
	"dirfed.v1.Federation",
	"dirfed.v1.Resolve",
}

// Server manages the gRPC and HTTP servers
type Server struct {
	grpcServer   *grpc.Server
	httpServer   *http.Server
	healthServer *health.Server

	grpcPort int
	httpPort int

	resolveServer *ResolveServer
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
}

// Config contains server configuration
type Config struct {
	GRPCPort int
	HTTPPort int

	ResolveServer *ResolveServer

	// Gatherer is served on /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// New creates a new server with the given configuration
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		grpcPort:      cfg.GRPCPort,
		httpPort:      cfg.HTTPPort,
		resolveServer: cfg.ResolveServer,
		gatherer:      cfg.Gatherer,
		logger:        logger,
		healthServer:  health.NewServer(),
	}
}

// Start starts both the gRPC and HTTP servers.
// Services report NOT_SERVING until SetReady is called.
func (s *Server) Start(ctx context.Context) error {
	s.grpcServer = grpc.NewServer()

	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)

	// Register reflection service for grpcurl and other tools
	reflection.Register(s.grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.grpcPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", s.grpcPort, err)
	}

	go func() {
		s.logger.Info("gRPC server listening", "port", s.grpcPort)
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()

	mux, err := s.newMux()
	if err != nil {
		return err
	}

	httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.httpPort))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port %d: %w", s.httpPort, err)
	}

	s.httpServer = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("HTTP server listening", "port", s.httpPort)
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// newMux routes the HTTP API on a grpc-gateway mux
func (s *Server) newMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{http.MethodGet, "/healthz/live", adapt(s.handleLiveness)},
		{http.MethodGet, "/healthz/ready", adapt(s.handleReadiness)},
	}
	if s.resolveServer != nil {
		routes = append(routes, route{http.MethodPost, "/v1/resolve", s.resolveServer.handleResolve})
	}
	if s.gatherer != nil {
		metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		routes = append(routes, route{http.MethodGet, "/metrics", adapt(metrics.ServeHTTP)})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

type route struct {
	method, path string
	handler      runtime.HandlerFunc
}

func adapt(h http.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		h(w, r)
	}
}

// SetReady marks every service SERVING
func (s *Server) SetReady() {
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	}
}

// SetNotReady marks every service NOT_SERVING, e.g. while draining
func (s *Server) SetNotReady() {
	for _, svc := range healthServices {
		s.healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// handleLiveness reports that the process is up
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleReadiness reports NOT_SERVING with the first service that is not SERVING
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	for _, svc := range healthServices {
		resp, err := s.healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{Service: svc})
		if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "NOT_SERVING",
				"service": svc,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

// Stop gracefully stops both servers
func (s *Server) Stop(ctx context.Context) error {
	s.healthServer.Shutdown()

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}
