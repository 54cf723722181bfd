package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/project-kessel/dirfed/internal/config"
	"github.com/project-kessel/dirfed/internal/server"
)

type resolveOptions struct {
	exact       bool
	operation   string
	entityTypes []string
	tenants     []string
	output      string
}

// NewResolveCmd creates the resolve command
func NewResolveCmd() *cobra.Command {
	var opts resolveOptions

	cmd := &cobra.Command{
		Use:   "resolve <input>",
		Short: "Run one federated lookup and print the result",
		Long: `Run one federated lookup against the configured tenants and print the
merged entities with per-tenant diagnostics. Logs are written to stderr.

Examples:
  # Prefix search for users and groups
  dirfed resolve --config ./config.yaml ali

  # Exact lookup of one principal, validated with the larger retry budget
  dirfed resolve --config ./config.yaml --exact --operation validate alice@contoso.com

  # Only groups of one tenant, as YAML
  dirfed resolve --config ./config.yaml --type group --tenant contoso -o yaml eng`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runResolve(ctx, cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.exact, "exact", false, "match the input exactly instead of by prefix")
	flags.StringVar(&opts.operation, "operation", "search", "operation (search, validate, augment)")
	flags.StringSliceVar(&opts.entityTypes, "type", nil, "entity types to search (user, group); default both")
	flags.StringSliceVar(&opts.tenants, "tenant", nil, "tenant ids to search; default all")
	flags.StringVarP(&opts.output, "output", "o", "json", "output format (json, yaml)")
	config.RegisterFlags(flags)

	return cmd
}

func runResolve(ctx context.Context, cmd *cobra.Command, input string, opts resolveOptions) error {
	if opts.output != "json" && opts.output != "yaml" {
		return fmt.Errorf("unknown output format: %s (supported: json, yaml)", opts.output)
	}

	loader, err := config.NewLoaderWithFlags(configPath(), cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := loader.Get()
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	provider := config.NewProvider(cfg)

	// stdout carries the result only
	logger := config.NewLoggerWithWriter(cfg.Observability, cmd.ErrOrStderr())
	observer, err := config.NewObserverWithLogger(cfg.Observability, logger, provider.Registry())
	if err != nil {
		return fmt.Errorf("failed to create observer: %w", err)
	}
	provider.SetObserver(observer)

	resolveServer, err := provider.ResolveServer()
	if err != nil {
		return err
	}

	resp, err := resolveServer.Resolve(ctx, "cli", &server.ResolveRequest{
		Input:       input,
		ExactMatch:  opts.exact,
		Operation:   opts.operation,
		EntityTypes: opts.entityTypes,
		Tenants:     opts.tenants,
	})
	if err != nil {
		return err
	}

	return writeResponse(cmd.OutOrStdout(), opts.output, resp)
}

func writeResponse(w io.Writer, format string, resp *server.ResolveResponse) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "yaml":
		out, err := yaml.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format: %s (supported: json, yaml)", format)
	}
}
