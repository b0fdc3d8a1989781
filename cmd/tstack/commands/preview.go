package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/policy"
	"github.com/openfroyo/tstack/pkg/providers/memory"
	"github.com/openfroyo/tstack/pkg/stack"
)

func newPreviewCommand() *cobra.Command {
	var (
		dot bool
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a deployment would do",
		Long: `Resolve the whole stack against simulated providers and show the
operation planned for every resource, grouped by dependency level.

Nothing is created and no state is written. When a state database exists
the plan is computed against it, so resources whose inputs are unchanged
show as noop. Request policies are evaluated over every resource.`,
		Example: `  # Show the plan
  tstack preview

  # Render the dependency graph with graphviz
  tstack preview --dot | dot -Tsvg > stack.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			cfg := *s.cfg
			if cfg.SubscriptionID == "" {
				cfg.SubscriptionID = memory.Subscription
			}

			deps := stack.Deps{
				Providers: memory.Registry(nil),
				Secrets:   s.tel,
				DryRun:    true,
			}
			if _, err := os.Stat(cfg.Engine.StatePath); err == nil {
				store, err := s.openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				deps.Store = store
			}

			res, runErr := stack.Run(s.ctx, &cfg, deps)
			if res == nil {
				return runErr
			}

			pe, err := s.policies()
			if err != nil {
				return err
			}
			report, err := pe.EvaluateRequests(s.ctx, res.Requests)
			if err != nil {
				return err
			}

			switch {
			case dot:
				fmt.Print(res.DOT)
			case jsonOutput:
				if err := printJSON(struct {
					Graph   *engine.ExecutionGraph `json:"graph"`
					Summary engine.RunSummary      `json:"summary"`
					Policy  *policy.Report         `json:"policy"`
				}{res.Graph, res.Summary, report}); err != nil {
					return err
				}
			default:
				printPlan(res)
				printReport(report)
			}

			var derr *engine.DeploymentError
			if runErr != nil && !errors.As(runErr, &derr) {
				return runErr
			}
			if !report.Allowed {
				return fmt.Errorf("%d request(s) blocked by policy", report.Blocked)
			}
			log.Debug().Int("requests", len(res.Requests)).Msg("Preview completed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in graphviz format")

	return cmd
}

func printPlan(res *stack.Result) {
	if res.Graph == nil {
		return
	}
	fmt.Println("Plan:")
	for level := 0; level < res.Graph.Depth; level++ {
		fmt.Printf("\n  level %d\n", level)
		for _, urn := range res.Graph.Level(level) {
			node := res.Graph.Nodes[urn]
			op := node.Operation
			if op == "" {
				op = "skip"
			}
			fmt.Printf("    %-7s %-40s %s\n", op, node.Kind, node.Name)
		}
	}
	fmt.Printf("\n%d to create, %d to update, %d unchanged, %d skipped\n",
		res.Summary.Created, res.Summary.Updated, res.Summary.Unchanged, res.Summary.Skipped)
}

func printReport(report *policy.Report) {
	if len(report.Violations) == 0 {
		fmt.Printf("\n✓ %d request(s) passed every policy\n", report.Requests)
		return
	}
	fmt.Println("\nPolicy findings:")
	for _, v := range report.Violations {
		fmt.Printf("  [%s] %s: %s (%s)\n", v.Severity, v.Policy, v.Message, v.ResourceID)
	}
}
