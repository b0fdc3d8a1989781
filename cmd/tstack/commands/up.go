package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/tstack/pkg/config"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/policy"
	"github.com/openfroyo/tstack/pkg/stack"
	"github.com/openfroyo/tstack/pkg/stores"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

func newUpCommand() *cobra.Command {
	var (
		watch       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Deploy the stack",
		Long: `Create or update every resource of the stack and publish its endpoints.

Independent resources are created concurrently. When some resources fail
the rest of the stack still deploys; the failures are listed and the run is
recorded as partial. Re-running with an unchanged stack file changes
nothing.

With --watch the stack is redeployed whenever the stack file changes,
until interrupted.`,
		Example: `  # Deploy once
  tstack up

  # Redeploy on every save and expose Prometheus metrics
  tstack up --watch --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), metricsAddr)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.tel.Metrics.Serve(s.ctx); err != nil {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}

			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			pe, err := s.policies()
			if err != nil {
				return err
			}

			s.tel.Events.Subscribe(func(e telemetry.Event) {
				s.tel.Logger.WithResourceID(e.URN).Debug(e.Message)
			}, telemetry.FilterByType(
				string(engine.EventTypeResourceReady),
				string(engine.EventTypeResourceFailed),
				string(engine.EventTypeResourceSkipped),
			))

			if !watch {
				return deploy(s, s.cfg, store, pe)
			}
			return watchAndDeploy(s, store, pe)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "redeploy whenever the stack file changes")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// deploy runs the stack once against live providers and prints the result.
func deploy(s *session, cfg *config.StackConfig, store stores.Store, pe *policy.Engine) error {
	providers, err := stack.LiveProviders(cfg)
	if err != nil {
		return err
	}

	res, runErr := stack.Run(s.ctx, cfg, stack.Deps{
		Providers: providers,
		Store:     store,
		Policy:    pe,
		Events:    stack.NewEventBridge(s.tel.Events),
		Secrets:   s.tel,
	})
	if res != nil {
		if err := printResult(res, runErr); err != nil {
			return err
		}
	}
	return runErr
}

// watchAndDeploy deploys, then redeploys on every stack file change. A
// failed reload or deployment is reported and the watch goes on.
func watchAndDeploy(s *session, store stores.Store, pe *policy.Engine) error {
	g, ctx := errgroup.WithContext(s.ctx)
	changes := make(chan struct{})

	if err := pe.Watch(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		return watchFile(ctx, configPath, changes)
	})

	g.Go(func() error {
		cfg := s.cfg
		for {
			if err := deploy(s, cfg, store, pe); err != nil {
				s.tel.Logger.WithError(err).Error("Deployment failed")
			}
			s.tel.Logger.Infof("Watching %s for changes", configPath)

			select {
			case <-ctx.Done():
				return nil
			case <-changes:
			}

			next, err := config.NewLoader().Load(ctx, configPath)
			if err != nil {
				s.tel.Logger.WithError(err).Error("Stack file is invalid, keeping the last deployment")
				continue
			}
			if next.Name != cfg.Name {
				s.tel.Logger.Warnf("Stack name changed from %s to %s, ignoring the rename", cfg.Name, next.Name)
				next.Name = cfg.Name
			}
			cfg = next
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printResult(res *stack.Result, runErr error) error {
	if jsonOutput {
		return printJSON(struct {
			Run     *engine.Run          `json:"run"`
			Outputs []engine.StackOutput `json:"outputs"`
			Error   string               `json:"error,omitempty"`
		}{res.Run, redact(res.Outputs, false), errString(runErr)})
	}

	if res.Run != nil {
		fmt.Printf("Run %s: %s in %s\n", res.Run.ID, res.Run.Status, res.Run.Duration.Round(time.Millisecond))
		fmt.Printf("  %d created, %d updated, %d unchanged, %d failed, %d skipped\n",
			res.Summary.Created, res.Summary.Updated, res.Summary.Unchanged, res.Summary.Failed, res.Summary.Skipped)
	}

	var derr *engine.DeploymentError
	if errors.As(runErr, &derr) {
		fmt.Println("\nFailures:")
		for _, f := range derr.Failures {
			fmt.Printf("  ✗ %s %s [%s]: %v\n", f.Kind, f.Name, f.Code, f.Err)
		}
	}

	if len(res.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		printOutputs(res.Outputs, false)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
