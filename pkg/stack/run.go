package stack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/tstack/pkg/config"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/local"
	"github.com/openfroyo/tstack/pkg/stores"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// Deps are the collaborators of Run. Providers is required; a nil Store is
// opened from the stack's state path.
type Deps struct {
	Providers *engine.ProviderRegistry
	Store     stores.Store
	Policy    engine.PolicyEvaluator
	Events    engine.EventPublisher
	Secrets   engine.SecretTracker

	// DryRun resolves the graph without persisting state or outputs.
	DryRun bool
}

// Result is the outcome of a run.
type Result struct {
	Run     *engine.Run
	Outputs []engine.StackOutput
	Summary engine.RunSummary

	// Assembly is the declared graph, nil when nothing could be declared.
	Assembly *Assembly

	// Graph carries the operation decided for every registered resource.
	Graph *engine.ExecutionGraph
	DOT   string

	// Requests are the provider requests that were submitted.
	Requests []*engine.Request
}

// Run deploys the stack once and waits for every request to settle. The
// result is returned even when the run fails, listing what did resolve.
func Run(ctx context.Context, cfg *config.StackConfig, deps Deps) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("stack: configuration is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("stack: providers are required")
	}

	logger := telemetry.FromContext(ctx).WithStack(cfg.Name)

	store := deps.Store
	if store == nil && !deps.DryRun {
		s, err := stores.Open(ctx, stores.Config{Path: cfg.Engine.StatePath, Passphrase: cfg.Passphrase})
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		defer s.Close()
		store = s
	}
	if store != nil {
		if err := checkRecordedSecrets(ctx, store, cfg.Name); err != nil {
			return nil, err
		}
		if !deps.DryRun && !store.CanSeal() {
			logger.Warnf("State has no passphrase; generated secrets are not persisted and stack %s cannot be deployed again without rotating them", cfg.Name)
		}
	}

	opts := engine.Options{
		Stack:       cfg.Name,
		Parallelism: cfg.Engine.Parallelism,
		DryRun:      deps.DryRun,
		Providers:   deps.Providers,
		Policy:      deps.Policy,
		Events:      deps.Events,
		Secrets:     deps.Secrets,
	}
	if store != nil {
		opts.State = store
	}

	d, err := engine.NewDeployment(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger.WithRunID(d.RunID()).Infof("Deploying stack %s on %s", cfg.Name, cfg.Substrate)

	asm, buildErr := Build(d, cfg)
	if buildErr != nil {
		logger.WithError(buildErr).Warn("Stack declared with errors")
	}

	run, waitErr := d.Wait(ctx)

	res := &Result{Run: run, Assembly: asm}
	if run != nil {
		res.Summary = run.Summary
	}
	if asm != nil {
		res.Outputs = collectOutputs(ctx, asm, d)
	}
	res.Requests = d.Requests()
	if graph, builder, err := d.Graph(); err == nil {
		res.Graph = graph
		res.DOT = builder.ToDOT()
	} else {
		logger.WithError(err).Warn("Failed to build dependency graph")
	}

	if store != nil && !deps.DryRun && run != nil && len(res.Outputs) > 0 {
		if err := store.SaveOutputs(ctx, run.ID, res.Outputs); err != nil {
			logger.WithError(err).Error("Failed to save stack outputs")
		}
	}

	switch {
	case buildErr != nil:
		return res, fmt.Errorf("stack %s: %w", cfg.Name, buildErr)
	case waitErr != nil:
		return res, waitErr
	}
	logger.Infof("Stack %s deployed: %d created, %d updated, %d unchanged",
		cfg.Name, res.Summary.Created, res.Summary.Updated, res.Summary.Unchanged)
	return res, nil
}

// generatedSecrets are the kinds whose secret outputs exist only in state.
// A provider can't read them back, so losing them means rotation.
var generatedSecrets = map[engine.ResourceKind]bool{
	local.KindRandomPassword:           true,
	local.KindPrivateKey:               true,
	azure.KindServicePrincipalPassword: true,
}

// checkRecordedSecrets refuses a deployment over state holding generated
// secrets that the store can't unseal. Nothing is registered when it fails.
func checkRecordedSecrets(ctx context.Context, store engine.StateManager, stack string) error {
	states, err := store.ListResourceStates(ctx, stack)
	if err != nil {
		return fmt.Errorf("failed to read recorded state: %w", err)
	}

	var lost []string
	for _, st := range states {
		if st.SecretsUnavailable && generatedSecrets[st.Kind] {
			lost = append(lost, st.Name)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	sort.Strings(lost)
	return engine.NewPermanentError(fmt.Sprintf(
		"stack %s has generated secrets that cannot be unsealed (%s); deploying would rotate them. They are only kept when %s is set",
		stack, strings.Join(lost, ", "), config.EnvPassphrase), nil).
		WithCode(engine.ErrCodeSecretsUnavailable)
}

// collectOutputs reads the settled outputs. Failed outputs are left out.
func collectOutputs(ctx context.Context, asm *Assembly, secrets interface{ TrackSecret(string) }) []engine.StackOutput {
	outs := make([]engine.StackOutput, 0, len(asm.Outputs))
	for _, name := range asm.OutputNames() {
		v, secret, err := asm.Outputs[name].AwaitSecret(ctx)
		if err != nil {
			telemetry.FromContext(ctx).WithError(err).Debugf("Output %s unavailable", name)
			continue
		}
		if secret {
			secrets.TrackSecret(v)
		}
		outs = append(outs, engine.StackOutput{Name: name, Value: v, Secret: secret})
	}
	return outs
}
