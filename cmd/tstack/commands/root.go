package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// DefaultConfigPath is the stack file read when --config is not given.
const DefaultConfigPath = "tstack.yaml"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "tstack",
		Short: "tstack - Temporal workflow platform provisioner",
		Long: `tstack provisions a complete Temporal workflow platform on Azure from a
single stack file.

A stack consists of:
  - An Azure Database for MySQL server holding Temporal's persistence
  - A private container registry with the worker application image
  - Temporal server, web UI and worker, either as standalone container
    groups or as deployments on a managed Kubernetes cluster
  - Published endpoints for the web UI and the workflow starter`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "stack file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPreviewCommand())
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newOutputsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}
