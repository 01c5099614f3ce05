package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skiff",
		Short: "Skiff - small cloud topology orchestrator",
		Long: `Skiff deploys and tears down small cloud topologies from declarative
YAML blueprints.

A blueprint describes a project's network, compute, data, and security
resources. Commands travel over an internal message bus to a worker pool;
every run streams typed status events you can watch live or query later.

Features:
  - One-command deployment of an eight-step topology
  - Dependency-aware teardown that never strands a resource
  - Durable resource registry surviving crashes mid-deployment
  - Full-region scans that spot untracked orphans
  - Power management for instances and databases`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newPowerCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newInitCommand())

	return rootCmd
}
