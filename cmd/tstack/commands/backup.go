package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the state database",
		Long: `Write a gzip-compressed hot copy of the stack's state database.

Sealed secret outputs stay sealed in the backup; restoring them requires the
same TSTACK_PASSPHRASE.`,
		Example: `  # Back up to the default file
  tstack backup

  # Back up to a chosen file
  tstack backup --out state-2024-06-01.db.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			log.Info().
				Str("out", outFile).
				Str("state", s.cfg.Engine.StatePath).
				Msg("Creating backup")

			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.OpenFile(outFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := store.Backup(s.ctx, f); err != nil {
				f.Close()
				os.Remove(outFile)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}

			fmt.Printf("✓ Backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "tstack-state.db.gz", "backup output file")

	return cmd
}
