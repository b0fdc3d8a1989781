package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tstack/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stack file and policies",
		Long: `Validate the stack file without contacting any provider.

This command checks:
  - YAML or CUE syntax
  - Field constraints and the CUE stack schema
  - That the application folder holds a Dockerfile
  - That every policy in the policy directory compiles`,
		Example: `  # Validate tstack.yaml
  tstack validate

  # Validate another stack file
  tstack validate --config prod.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", configPath).Msg("Validating stack")

			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					fmt.Printf("✗ %s is invalid:\n", configPath)
					for _, e := range verrs {
						fmt.Printf("  - %s\n", e.Error())
					}
				}
				return err
			}
			defer s.close()
			fmt.Printf("✓ Stack %s (%s, %s)\n", s.cfg.Name, s.cfg.Substrate, s.cfg.Location)

			dockerfile := filepath.Join(s.cfg.App.Folder, "Dockerfile")
			if _, err := os.Stat(dockerfile); err != nil {
				fmt.Printf("! %s not found; the worker image cannot be built\n", dockerfile)
			} else {
				fmt.Printf("✓ Worker image context: %s\n", s.cfg.App.Folder)
			}

			if s.cfg.Substrate == config.SubstrateCluster && s.cfg.SubscriptionID == "" {
				fmt.Printf("! %s is not set; the cluster substrate needs it to deploy\n", config.EnvSubscriptionID)
			}

			pe, err := s.policies()
			if err != nil {
				return err
			}
			enabled := 0
			for _, p := range pe.ListPolicies() {
				if p.Enabled {
					enabled++
				}
			}
			mode := "advisory"
			if pe.Enforcing() {
				mode = "enforced"
			}
			fmt.Printf("✓ %d policies compiled (%s)\n", enabled, mode)

			return nil
		},
	}

	return cmd
}
