package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/tstack/pkg/engine"
)

// secretPlaceholder replaces secret output values unless --show-secrets is set.
const secretPlaceholder = "[secret]"

func newOutputsCommand() *cobra.Command {
	var (
		showSecrets bool
	)

	cmd := &cobra.Command{
		Use:   "outputs [name]",
		Short: "Show the stack outputs of the last deployment",
		Long: `Show the outputs recorded by the most recent deployment of the stack.

Secret outputs are masked unless --show-secrets is given; they can only be
shown when the state database was sealed with TSTACK_PASSPHRASE.`,
		Example: `  # All outputs
  tstack outputs

  # A single value, for scripts
  tstack outputs webEndpoint`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			run, outputs, err := store.LatestOutputs(s.ctx, s.cfg.Name)
			if engine.ErrorCode(err) == engine.ErrCodeNotFound {
				return fmt.Errorf("stack %s has not been deployed", s.cfg.Name)
			}
			if err != nil {
				return err
			}
			outputs = redact(outputs, showSecrets)

			if len(args) == 1 {
				for _, o := range outputs {
					if o.Name == args[0] {
						fmt.Println(o.Value)
						return nil
					}
				}
				return fmt.Errorf("stack %s has no output %q", s.cfg.Name, args[0])
			}

			if jsonOutput {
				values := make(map[string]string, len(outputs))
				for _, o := range outputs {
					values[o.Name] = o.Value
				}
				return printJSON(values)
			}

			fmt.Printf("Outputs of run %s (%s):\n", run.ID, run.Status)
			printOutputs(outputs, showSecrets)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secret output values")

	return cmd
}

// redact masks secret values unless show is set.
func redact(outputs []engine.StackOutput, show bool) []engine.StackOutput {
	out := make([]engine.StackOutput, len(outputs))
	for i, o := range outputs {
		if o.Secret && !show {
			o.Value = secretPlaceholder
		}
		out[i] = o
	}
	return out
}

func printOutputs(outputs []engine.StackOutput, showSecrets bool) {
	outputs = redact(outputs, showSecrets)
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].Name < outputs[j].Name })
	width := 0
	for _, o := range outputs {
		if len(o.Name) > width {
			width = len(o.Name)
		}
	}
	for _, o := range outputs {
		fmt.Printf("  %-*s  %s\n", width, o.Name, o.Value)
	}
}
