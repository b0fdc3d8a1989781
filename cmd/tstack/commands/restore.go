package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the state database from a backup",
		Long: `Replace the stack's state database with a backup made by tstack backup.

WARNING: This replaces every recorded resource, run and output. The next
deployment compares against the restored state.`,
		Example: `  # Restore from backup
  tstack restore --from tstack-state.db.gz --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupFile == "" {
				return errors.New("--from is required")
			}
			if !force {
				return errors.New("restore replaces the current state; pass --force to proceed")
			}

			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			log.Info().
				Str("from", backupFile).
				Str("state", s.cfg.Engine.StatePath).
				Msg("Restoring from backup")

			f, err := os.Open(backupFile)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", backupFile, err)
			}
			defer f.Close()

			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Restore(s.ctx, f); err != nil {
				return err
			}
			if err := store.HealthCheck(s.ctx); err != nil {
				return fmt.Errorf("restored state is unhealthy: %w", err)
			}

			fmt.Printf("✓ State restored from %s\n", backupFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&backupFile, "from", "f", "", "backup file to restore")
	cmd.Flags().BoolVar(&force, "force", false, "replace the current state without confirmation")

	return cmd
}
