package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/project-kessel/dirfed/internal/config"
	"github.com/project-kessel/dirfed/internal/server"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dirfed server",
		Long: `Start the dirfed HTTP and gRPC servers.

The server will:
  - Serve federated lookups on POST /v1/resolve
  - Expose prometheus metrics on /metrics
  - Report health over gRPC (grpc.health.v1.Health) and HTTP (/healthz/*)

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (DIRFED_*)
  3. Configuration file (if --config or DIRFED_CONFIG is set)
  4. Built-in defaults

Examples:
  # Start with a tenant configuration
  dirfed serve --config /etc/dirfed/config.yaml

  # Override server ports
  dirfed serve --config ./config.yaml --server-grpc-port 9091 --server-http-port 8081

  # Tighten the per-tenant budget
  DIRFED_ENGINE__DEFAULT_TIMEOUT=2s dirfed serve --config ./config.yaml`,
		RunE: runServe,
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := configPath()

	loader, err := config.NewLoaderWithFlags(path, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := loader.Get()
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	provider := config.NewProvider(cfg)

	// Single logger and observer shared across all components
	logger := config.NewLogger(cfg.Observability)

	observer, err := config.NewObserverWithLogger(cfg.Observability, logger, provider.Registry())
	if err != nil {
		return fmt.Errorf("failed to create observer: %w", err)
	}
	provider.SetObserver(observer)

	serverCfg, err := provider.ServerConfig()
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	serverCfg.Logger = logger

	tenants, err := provider.Tenants()
	if err != nil {
		return err
	}

	srv := server.New(serverCfg)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// All components initialized; per-service statuses move to SERVING
	srv.SetReady()

	logger.Info("dirfed is running",
		"tenants", len(tenants),
		"resolve", fmt.Sprintf("http://localhost:%d/v1/resolve", serverCfg.HTTPPort),
		"metrics", fmt.Sprintf("http://localhost:%d/metrics", serverCfg.HTTPPort),
		"grpc_health", fmt.Sprintf("localhost:%d", serverCfg.GRPCPort),
		"config", path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")

	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
