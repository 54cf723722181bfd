// Package cli implements the dirfed command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// configFile is the --config flag shared by all commands
var configFile string

// NewRootCmd creates the dirfed root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dirfed",
		Short: "Federated directory search across tenants",
		Long: `dirfed resolves free-text user and group lookups against many remote
directories in parallel and merges the results.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml); defaults to $DIRFED_CONFIG")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewResolveCmd())

	return cmd
}

// configPath returns the --config flag, falling back to DIRFED_CONFIG
func configPath() string {
	if configFile != "" {
		return configFile
	}
	return os.Getenv("DIRFED_CONFIG")
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
