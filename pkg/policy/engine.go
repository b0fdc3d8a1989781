package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Rule names a policy module may define. Each is a set of violations, either
// strings or objects with "message" and optionally "resource".
const (
	ruleDeny = "deny"
	ruleWarn = "warn"
	ruleInfo = "info"
)

// Engine evaluates Rego policies against provisioning requests. It
// implements engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	enforce  bool
	stack    string
	paths    []string
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	builtin  bool
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnforce makes warn rules blocking.
func WithEnforce(enforce bool) Option {
	return func(e *Engine) {
		e.enforce = enforce
	}
}

// WithStack sets the stack name exposed as input.context.stack.
func WithStack(stack string) Option {
	return func(e *Engine) {
		e.stack = stack
	}
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// EvaluateRequest evaluates every enabled policy against req. Deny rules
// produce error violations, warn rules produce warnings (errors when the
// engine enforces), info rules produce informational findings. The request
// is allowed unless an error violation was found.
func (e *Engine) EvaluateRequest(ctx context.Context, req *engine.Request) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &RequestInput{
		Request: req,
		Context: &PolicyContext{
			Stack:     e.stack,
			Enforce:   e.enforce,
			Timestamp: time.Now(),
		},
	}

	var (
		violations []engine.PolicyViolation
		warnings   []string
	)

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("urn", req.URN).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		switch violations[i].Severity {
		case string(SeverityError):
			allowed = false
		case string(SeverityWarning):
			warnings = append(warnings, violations[i].Message)
		}
	}

	return &engine.PolicyResult{
		Allowed:     allowed,
		Violations:  violations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// EvaluateRequests evaluates a set of requests, for previews.
func (e *Engine) EvaluateRequests(ctx context.Context, reqs []*engine.Request) (*Report, error) {
	start := time.Now()
	report := &Report{Allowed: true, Requests: len(reqs)}

	for _, req := range reqs {
		result, err := e.EvaluateRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %s: %w", req.URN, err)
		}
		report.Violations = append(report.Violations, result.Violations...)
		if !result.Allowed {
			report.Allowed = false
			report.Blocked++
		}
	}

	report.Duration = time.Since(start)
	e.logger.Debug().
		Int("requests", report.Requests).
		Int("violations", len(report.Violations)).
		Int("blocked", report.Blocked).
		Dur("duration", report.Duration).
		Msg("Request policy evaluation completed")

	return report, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *RequestInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		doc, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		for _, rule := range []string{ruleDeny, ruleWarn, ruleInfo} {
			set, ok := doc[rule].([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				violations = append(violations, e.createViolation(cp.policy, rule, item, input))
			}
		}
	}

	return violations, nil
}

func (e *Engine) severityOf(rule string) Severity {
	switch rule {
	case ruleDeny:
		return SeverityError
	case ruleWarn:
		if e.enforce {
			return SeverityError
		}
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// createViolation turns one rule result into a violation. A result is either
// a message string or an object with "message" and an optional "resource"
// naming another URN.
func (e *Engine) createViolation(policy *Policy, rule string, result interface{}, input *RequestInput) engine.PolicyViolation {
	v := engine.PolicyViolation{Policy: policy.Name, Severity: string(e.severityOf(rule))}
	if input.Request != nil {
		v.ResourceID = input.Request.URN
	}

	obj, isObj := result.(map[string]interface{})
	switch {
	case isObj:
		v.Message, _ = obj["message"].(string)
		if urn, _ := obj["resource"].(string); urn != "" {
			v.ResourceID = urn
		}
	default:
		if msg, ok := result.(string); ok {
			v.Message = msg
		} else {
			v.Message = fmt.Sprint(result)
		}
	}
	return v
}

// packagePath is the data path of a module's package, without "data.".
func packagePath(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// compileAndStorePolicy prepares a query for the whole package document of
// policy, so deny, warn and info are read in one evaluation. It replaces any
// policy of the same name.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy, builtin bool) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("policy %s does not parse: %w", policy.Name, err)
	}
	pkg := packagePath(module)

	query, err := rego.New(
		rego.Query("data."+pkg),
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy %s does not compile: %w", policy.Name, err)
	}

	now := time.Now()
	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = now
	}
	e.policies[policy.Name] = &compiledPolicy{policy: policy, module: module, query: query, builtin: builtin, compiled: now}

	e.logger.Debug().Str("policy", policy.Name).Str("package", pkg).Bool("builtin", builtin).Msg("Policy compiled")
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i], true); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads .rego and .json policies from files or directories.
// The paths are remembered for Reload and Watch.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.storePolicies(ctx, policies); err != nil {
		return err
	}
	e.paths = append(e.paths, paths...)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// AddPolicy compiles and adds a single policy.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.compileAndStorePolicy(ctx, &policy, false); err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}
	return nil
}

func (e *Engine) storePolicies(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i], false); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// Reload drops loaded policies, then recompiles the built-ins and every
// remembered policy path.
func (e *Engine) Reload(ctx context.Context) error {
	e.loader.ClearCache()

	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	var policies []Policy
	if len(paths) > 0 {
		var err error
		policies, err = e.loader.LoadFromPaths(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}

	return e.replace(ctx, policies)
}

// replace swaps the loaded policy set, keeping built-ins.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous))
	for name, cp := range previous {
		if cp.builtin {
			e.policies[name] = cp
		}
	}

	if err := e.storePolicies(ctx, policies); err != nil {
		e.policies = previous
		return err
	}
	return nil
}

// Watch reloads the remembered policy paths whenever a policy file changes,
// until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return nil
	}

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

// Enforcing reports whether warnings block requests.
func (e *Engine) Enforcing() bool {
	return e.enforce
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
