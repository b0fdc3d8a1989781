package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tstack/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		name      string
		substrate string
		location  string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a stack file and state database",
		Long: `Write a stack file with the default settings and initialize the local
state database.

The stack file is written as YAML, or as CUE when --config ends in .cue.
The subscription id and the state passphrase are read from
TSTACK_SUBSCRIPTION_ID and TSTACK_PASSPHRASE and are never written.`,
		Example: `  # Standalone container groups
  tstack init --name dev

  # Managed Kubernetes cluster
  tstack init --name prod --substrate cluster --config prod.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("config", configPath).
				Str("substrate", substrate).
				Msg("Initializing stack")

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.Default()
			cfg.Name = name
			cfg.Substrate = substrate
			if location != "" {
				cfg.Location = location
			}
			if substrate == config.SubstrateCluster {
				cfg.App.Namespace = "temporal"
			}

			loader := config.NewLoader()
			if err := loader.Validate(cmd.Context(), cfg); err != nil {
				return err
			}

			var (
				data []byte
				err  error
			)
			if strings.HasSuffix(configPath, ".cue") {
				data, err = loader.CUE().ExportCUE(cfg)
			} else {
				data, err = config.MarshalYAML(cfg)
			}
			if err != nil {
				return fmt.Errorf("failed to render stack file: %w", err)
			}
			if dir := filepath.Dir(configPath); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(configPath, data, 0o640); err != nil {
				return fmt.Errorf("failed to write %s: %w", configPath, err)
			}
			fmt.Printf("✓ Wrote stack file: %s\n", configPath)

			store, err := openStore(cmd.Context(), cfg.Engine.StatePath, os.Getenv(config.EnvPassphrase))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("state store is unhealthy: %w", err)
			}
			fmt.Printf("✓ Initialized state database: %s\n", cfg.Engine.StatePath)
			if !store.CanSeal() {
				fmt.Printf("! %s is not set; secret outputs will not be persisted\n", config.EnvPassphrase)
			}

			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Printf("  1. Put the worker application and its Dockerfile in %s\n", cfg.App.Folder)
			fmt.Printf("  2. Export %s\n", config.EnvSubscriptionID)
			fmt.Println("  3. Run: tstack preview && tstack up")

			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "dev", "stack name")
	cmd.Flags().StringVar(&substrate, "substrate", config.SubstrateStandalone, "compute substrate (standalone, cluster)")
	cmd.Flags().StringVarP(&location, "location", "l", "", "Azure region")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing stack file")

	return cmd
}
