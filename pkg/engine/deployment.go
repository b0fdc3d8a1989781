package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// DefaultParallelism is the number of requests submitted concurrently when
// Options.Parallelism is not set.
const DefaultParallelism = 10

// Options configures a Deployment.
type Options struct {
	// Stack is the stack name used to build URNs.
	Stack string

	// Parallelism bounds the number of in-flight provider calls.
	Parallelism int

	// DryRun resolves the graph without persisting any state.
	DryRun bool

	// Providers serves every resource kind registered on the deployment.
	Providers *ProviderRegistry

	// State records resource state, runs and events. Optional.
	State StateManager

	// Policy is consulted before each request is submitted. Optional.
	Policy PolicyEvaluator

	// Events receives every timeline event. Optional.
	Events EventPublisher

	// Secrets receives every secret value resolved. Optional.
	Secrets SecretTracker
}

// Deployment collects resource registrations and submits each request as
// soon as the outputs it consumes resolve. Requests never wait on anything
// other than their own inputs, so independent branches proceed in parallel
// and a failure only affects the requests downstream of it.
//
// All registrations must happen before Wait is called.
type Deployment struct {
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	planner *DefaultPlanner
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	run     *Run

	mu        sync.Mutex
	closed    bool
	resources map[string]*entry
	order     []string
	summary   RunSummary
}

type entry struct {
	spec      NodeSpec
	status    ResourceStatus
	operation OperationType
	err       error
	request   *Request
}

// Resource is the handle returned by Register. Its State resolves once the
// provider has created or confirmed the resource.
type Resource struct {
	URN   string
	Kind  ResourceKind
	Name  string
	State *output.Output[*ResourceState]
}

// RegisterOption customizes a registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	dependsOn     []*Resource
	secretOutputs []string
}

// DependsOn adds explicit ordering edges: the request is not submitted until
// every listed resource resolves, even though none of their outputs are
// consumed.
func DependsOn(resources ...*Resource) RegisterOption {
	return func(o *registerOptions) {
		o.dependsOn = append(o.dependsOn, resources...)
	}
}

// AdditionalSecretOutputs marks output keys as secret on top of the ones the
// provider reports.
func AdditionalSecretOutputs(keys ...string) RegisterOption {
	return func(o *registerOptions) {
		o.secretOutputs = append(o.secretOutputs, keys...)
	}
}

// NewDeployment starts a new run. The context bounds every provider call
// made on behalf of the deployment.
func NewDeployment(ctx context.Context, opts Options) (*Deployment, error) {
	if opts.Stack == "" {
		return nil, NewPermanentError("stack name is required", nil).WithCode(ErrCodeValidation)
	}
	if opts.Providers == nil {
		return nil, NewPermanentError("provider registry is required", nil).WithCode(ErrCodeValidation)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}

	run := &Run{
		ID:        uuid.New().String(),
		Stack:     opts.Stack,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	ctx = telemetry.WithRunContext(ctx, run.ID, opts.Stack)
	ctx, cancel := context.WithCancel(ctx)

	d := &Deployment{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		planner:   NewPlanner(opts.State),
		sem:       semaphore.NewWeighted(int64(opts.Parallelism)),
		run:       run,
		resources: make(map[string]*entry),
	}

	if opts.State != nil && !opts.DryRun {
		if err := opts.State.SaveRun(ctx, run); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}
	d.publishEvent(ctx, EventTypeRunStarted, "", "Run started", nil)

	return d, nil
}

// RunID returns the identifier of the run.
func (d *Deployment) RunID() string {
	return d.run.ID
}

// Stack returns the stack name.
func (d *Deployment) Stack() string {
	return d.opts.Stack
}

// Register declares a resource whose properties are produced by props. The
// request is submitted once props and every DependsOn resource resolve; if
// any of them fails the request is never submitted and State is rejected
// with a Dependency Unresolved error.
func (d *Deployment) Register(kind ResourceKind, name string, props *output.Output[Properties], opts ...RegisterOption) *Resource {
	var ro registerOptions
	for _, opt := range opts {
		opt(&ro)
	}

	urn := URN(d.opts.Stack, kind, name)
	state, resolver := output.New[*ResourceState](urn)
	res := &Resource{URN: urn, Kind: kind, Name: name, State: state}

	if err := kind.Validate(); err != nil {
		resolver.Reject(NewPermanentError("invalid resource kind", err).
			WithCode(ErrCodeValidation).WithResource(urn))
		return res
	}
	if props == nil {
		props = output.Failed[Properties](output.ErrNilOutput)
	}

	inputs := []output.Any{props}
	orderDeps := make([]string, 0, len(ro.dependsOn))
	for _, dep := range ro.dependsOn {
		if dep == nil {
			continue
		}
		inputs = append(inputs, dep.State)
		orderDeps = append(orderDeps, dep.URN)
	}

	e := &entry{
		spec: NodeSpec{
			URN:       urn,
			Kind:      kind,
			Name:      name,
			DataDeps:  props.Dependencies(),
			OrderDeps: orderDeps,
		},
		status: ResourceStatusWaiting,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		resolver.Reject(NewPermanentError("deployment already finished", nil).
			WithCode(ErrCodeValidation).WithResource(urn))
		return res
	}
	if _, exists := d.resources[urn]; exists {
		d.mu.Unlock()
		resolver.Reject(NewPermanentError(fmt.Sprintf("resource %s registered twice", urn), nil).
			WithCode(ErrCodeAlreadyExists).WithResource(urn))
		return res
	}
	d.resources[urn] = e
	d.order = append(d.order, urn)
	d.summary.Total++
	d.wg.Add(1)
	d.mu.Unlock()

	d.publishEvent(d.ctx, EventTypeResourceRegistered, urn, fmt.Sprintf("Registered %s", name), map[string]interface{}{
		"kind": string(kind),
	})

	output.All(inputs...).OnSettled(func(vs []any, secret bool, err error) {
		if err != nil {
			d.skip(e, resolver, err)
			return
		}
		p, _ := vs[0].(Properties)
		req := &Request{
			URN:        urn,
			Kind:       kind,
			Name:       name,
			Properties: p,
			Secret:     secret,
			DependsOn:  append(append([]string(nil), e.spec.DataDeps...), orderDeps...),
		}
		go d.submit(req, e, resolver, ro.secretOutputs)
	})

	return res
}

// Invoke calls a provider function once args resolves. The result is not a
// resource: it is neither recorded nor counted as a request, and it is
// re-evaluated on every run.
func (d *Deployment) Invoke(fn ResourceKind, args *output.Output[Properties]) *output.Output[Properties] {
	if args == nil {
		return output.Failed[Properties](output.ErrNilOutput)
	}
	result, resolver := output.New[Properties](args.Dependencies()...)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		resolver.Reject(NewPermanentError("deployment already finished", nil).WithCode(ErrCodeValidation))
		return result
	}
	d.wg.Add(1)
	d.mu.Unlock()

	args.OnSettled(func(a Properties, secret bool, err error) {
		if err != nil {
			resolver.Reject(NewDependencyUnresolvedError(string(fn), err))
			d.wg.Done()
			return
		}
		go d.invoke(fn, a, secret, resolver)
	})
	return result
}

func (d *Deployment) invoke(fn ResourceKind, args Properties, argsSecret bool, resolver *output.Resolver[Properties]) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		resolver.Reject(NewPermanentError("invoke cancelled", err).WithCode(ErrCodeTimeout).WithResource(string(fn)))
		return
	}
	defer d.sem.Release(1)

	provider, err := d.opts.Providers.Lookup(fn)
	if err != nil {
		resolver.Reject(err)
		return
	}

	var resp *InvokeResponse
	err = telemetry.RecordProviderOperation(d.ctx, provider.Name(), "invoke", func() error {
		var callErr error
		resp, callErr = provider.Invoke(d.ctx, &InvokeRequest{Function: fn, Args: args})
		return callErr
	})
	if err != nil {
		resolver.Reject(classifyProviderError(err, string(fn), "invoke"))
		return
	}

	secret := argsSecret || resp.Secret
	if secret {
		d.trackSecrets(resp.Result)
	}

	d.mu.Lock()
	d.summary.Invokes++
	d.mu.Unlock()

	d.publishEvent(d.ctx, EventTypeInvokeCompleted, "", fmt.Sprintf("Invoked %s", fn), nil)
	resolver.Resolve(resp.Result, secret)
}

func (d *Deployment) skip(e *entry, resolver *output.Resolver[*ResourceState], cause error) {
	defer d.wg.Done()

	err := NewDependencyUnresolvedError(e.spec.URN, cause)

	d.mu.Lock()
	e.status = ResourceStatusSkipped
	e.err = err
	d.summary.Skipped++
	d.mu.Unlock()

	telemetry.FromContext(d.ctx).
		WithResourceID(e.spec.URN).
		Warnf("Skipping %s: an input did not resolve", e.spec.Name)
	d.publishEvent(d.ctx, EventTypeResourceSkipped, e.spec.URN,
		fmt.Sprintf("Skipped %s: %v", e.spec.Name, cause), nil)

	resolver.Reject(err)
}

func (d *Deployment) submit(req *Request, e *entry, resolver *output.Resolver[*ResourceState], secretOutputs []string) {
	defer d.wg.Done()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.fail(e, req, resolver, NewPermanentError("request cancelled before submission", err).
			WithCode(ErrCodeTimeout).WithResource(req.URN))
		return
	}
	defer d.sem.Release(1)

	d.mu.Lock()
	e.status = ResourceStatusSubmitted
	e.request = req
	d.mu.Unlock()

	ctx := telemetry.WithResourceContext(d.ctx, d.run.ID, req.URN, string(req.Kind))
	state, err := d.apply(ctx, req, e, secretOutputs)
	status := string(ResourceStatusReady)
	if err != nil {
		status = string(ResourceStatusFailed)
	}
	telemetry.EndResourceContext(ctx, d.run.ID, req.URN, string(req.Kind), string(e.operation), status, err)

	if err != nil {
		d.fail(e, req, resolver, err)
		return
	}

	d.mu.Lock()
	e.status = ResourceStatusReady
	switch e.operation {
	case OperationCreate:
		d.summary.Created++
	case OperationUpdate:
		d.summary.Updated++
	default:
		d.summary.Unchanged++
	}
	d.mu.Unlock()

	d.publishEvent(d.ctx, EventTypeResourceReady, req.URN,
		fmt.Sprintf("%s %s", req.Name, e.operation), map[string]interface{}{
			"operation": string(e.operation),
		})
	resolver.Resolve(state, false)
}

func (d *Deployment) apply(ctx context.Context, req *Request, e *entry, secretOutputs []string) (*ResourceState, error) {
	logger := telemetry.FromContext(ctx).WithResourceID(req.URN)

	decision, err := d.planner.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	d.setOperation(e, decision.Operation)

	if err := d.checkPolicy(ctx, req); err != nil {
		return nil, err
	}

	provider, err := d.opts.Providers.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}

	if decision.Operation == OperationNoop {
		prior := decision.Prior
		if !prior.SecretsUnavailable {
			logger.Debugf("%s unchanged", req.Name)
			d.trackSecrets(prior.Secrets)
			return prior, nil
		}
		// Secret outputs could not be recovered from state; ask the provider.
		return d.refresh(ctx, provider, req, prior, secretOutputs)
	}

	d.mu.Lock()
	d.summary.Submitted++
	d.mu.Unlock()
	d.publishEvent(ctx, EventTypeResourceSubmitted, req.URN,
		fmt.Sprintf("Submitting %s (%s)", req.Name, decision.Operation), nil)
	logger.Infof("%s %s", decision.Operation, req.Name)

	var resp *ApplyResponse
	err = telemetry.RecordProviderOperation(ctx, provider.Name(), "apply", func() error {
		var callErr error
		resp, callErr = provider.Apply(ctx, &ApplyRequest{
			Request:   req,
			Operation: decision.Operation,
			Prior:     decision.Prior,
		})
		return callErr
	})
	if err != nil {
		return nil, classifyProviderError(err, req.URN, string(decision.Operation))
	}

	state := d.newState(req, decision, resp.ID, resp.Outputs, append(resp.SecretOutputs, secretOutputs...))
	d.persist(ctx, state)
	return state, nil
}

func (d *Deployment) refresh(ctx context.Context, provider Provider, req *Request, prior *ResourceState, secretOutputs []string) (*ResourceState, error) {
	var resp *ReadResponse
	err := telemetry.RecordProviderOperation(ctx, provider.Name(), "read", func() error {
		var callErr error
		resp, callErr = provider.Read(ctx, &ReadRequest{
			URN:        req.URN,
			Kind:       req.Kind,
			Name:       req.Name,
			ID:         prior.ID,
			Properties: req.Properties,
		})
		return callErr
	})
	if err != nil {
		return nil, classifyProviderError(err, req.URN, string(OperationRead))
	}

	decision := &Decision{Operation: OperationNoop, InputHash: prior.InputHash, Prior: prior}
	outputs := prior.Outputs.Merge(resp.Outputs)
	state := d.newState(req, decision, prior.ID, outputs, append(resp.SecretOutputs, secretOutputs...))
	d.persist(ctx, state)
	return state, nil
}

func (d *Deployment) newState(req *Request, decision *Decision, id string, outputs Properties, secretKeys []string) *ResourceState {
	plain, secrets := outputs.Split(secretKeys)
	d.trackSecrets(secrets)
	return &ResourceState{
		URN:       req.URN,
		Kind:      req.Kind,
		Name:      req.Name,
		ID:        id,
		InputHash: decision.InputHash,
		Outputs:   plain,
		Secrets:   secrets,
		Operation: decision.Operation,
		RunID:     d.run.ID,
		UpdatedAt: time.Now(),
	}
}

func (d *Deployment) persist(ctx context.Context, state *ResourceState) {
	if d.opts.State == nil || d.opts.DryRun {
		return
	}
	if err := d.opts.State.SaveResourceState(ctx, state); err != nil {
		telemetry.FromContext(ctx).WithError(err).WithResourceID(state.URN).
			Error("Failed to record resource state; the next run will resubmit it")
		d.publishEvent(ctx, EventTypeWarning, state.URN, "state not recorded", nil)
	}
}

func (d *Deployment) checkPolicy(ctx context.Context, req *Request) error {
	if d.opts.Policy == nil {
		return nil
	}
	result, err := d.opts.Policy.EvaluateRequest(ctx, req)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).
			WithCode(ErrCodeInternal).WithResource(req.URN)
	}
	for _, v := range result.Violations {
		d.publishEvent(ctx, EventTypePolicyViolation, req.URN, v.Message, map[string]interface{}{
			"policy":   v.Policy,
			"severity": v.Severity,
		})
		telemetry.FromContext(ctx).WithResourceID(req.URN).
			Warnf("policy %s: %s", v.Policy, v.Message)
	}
	if !result.Allowed {
		e := NewRequestRejectedError("request blocked by policy", nil).WithResource(req.URN)
		for _, v := range result.Violations {
			if v.Severity == "error" {
				e = e.WithDetail(v.Policy, v.Message)
			}
		}
		return e
	}
	return nil
}

func (d *Deployment) fail(e *entry, req *Request, resolver *output.Resolver[*ResourceState], err error) {
	d.mu.Lock()
	e.status = ResourceStatusFailed
	e.err = err
	d.summary.Failed++
	d.mu.Unlock()

	telemetry.FromContext(d.ctx).WithError(err).WithResourceID(req.URN).
		Errorf("%s failed", req.Name)
	if tel := telemetry.FromTelemetryContext(d.ctx); tel != nil {
		tel.Metrics.RecordError(ErrorCode(err))
	}
	d.publishEvent(d.ctx, EventTypeResourceFailed, req.URN,
		fmt.Sprintf("%s failed: %v", req.Name, err), map[string]interface{}{
			"code": ErrorCode(err),
		})

	resolver.Reject(err)
}

func (d *Deployment) setOperation(e *entry, op OperationType) {
	d.mu.Lock()
	e.operation = op
	e.spec.Operation = op
	d.mu.Unlock()
}

func (d *Deployment) trackSecrets(values Properties) {
	if d.opts.Secrets == nil {
		return
	}
	for _, v := range values {
		trackValue(d.opts.Secrets, v)
	}
}

func trackValue(t SecretTracker, v any) {
	switch val := v.(type) {
	case string:
		if val != "" {
			t.Track(val)
		}
	case []any:
		for _, item := range val {
			trackValue(t, item)
		}
	case map[string]any:
		for _, item := range val {
			trackValue(t, item)
		}
	case Properties:
		for _, item := range val {
			trackValue(t, item)
		}
	}
}

// TrackSecret registers a secret value that did not come from a provider,
// such as a passphrase, for log redaction.
func (d *Deployment) TrackSecret(value string) {
	if d.opts.Secrets != nil && value != "" {
		d.opts.Secrets.Track(value)
	}
}

func classifyProviderError(err error, resource, operation string) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = resource
		}
		if ee.Operation == "" {
			ee.Operation = operation
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("provider call interrupted", err).
			WithCode(ErrCodeTimeout).WithResource(resource).WithOperation(operation)
	}
	return NewRequestRejectedError("provider rejected request", err).
		WithResource(resource).WithOperation(operation)
}

// Wait blocks until every registered request has resolved, failed or been
// skipped, then finalizes the run. It returns a *DeploymentError listing the
// failed resources when the run did not fully succeed.
func (d *Deployment) Wait(ctx context.Context) (*Run, error) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	cancelled := false
	select {
	case <-done:
	case <-ctx.Done():
		cancelled = true
		d.cancel()
		<-done
	}
	defer d.cancel()

	d.mu.Lock()
	summary := d.summary
	failures := d.failuresLocked()
	d.mu.Unlock()

	run := d.run
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = summary
	run.Status = summary.Status()
	if cancelled {
		run.Status = RunStatusCancelled
	}

	var runErr error
	if len(failures) > 0 {
		de := &DeploymentError{Status: run.Status, Failures: failures}
		run.Error = de.Error()
		runErr = de
	}

	if d.opts.State != nil && !d.opts.DryRun {
		if err := d.opts.State.SaveRun(d.ctx, run); err != nil {
			telemetry.FromContext(d.ctx).WithError(err).Error("Failed to save final run state")
		}
	}

	if run.Status == RunStatusSucceeded {
		d.publishEvent(d.ctx, EventTypeRunCompleted, "", "Run completed successfully", nil)
	} else {
		d.publishEvent(d.ctx, EventTypeRunFailed, "",
			fmt.Sprintf("Run completed with status: %s", run.Status), nil)
	}
	telemetry.EndRunContext(d.ctx, run.ID, string(run.Status), runErr)

	return run, runErr
}

func (d *Deployment) failuresLocked() []ResourceFailure {
	var failures []ResourceFailure
	for _, urn := range d.order {
		e := d.resources[urn]
		if e.status != ResourceStatusFailed && e.status != ResourceStatusSkipped {
			continue
		}
		failures = append(failures, ResourceFailure{
			URN:  urn,
			Kind: string(e.spec.Kind),
			Name: e.spec.Name,
			Code: ErrorCode(e.err),
			Err:  e.err,
		})
	}
	return failures
}

// Graph builds the dependency graph of everything registered so far. After
// Wait it also carries the operation decided for each resource.
func (d *Deployment) Graph() (*ExecutionGraph, *DAGBuilder, error) {
	d.mu.Lock()
	specs := make([]NodeSpec, 0, len(d.order))
	for _, urn := range d.order {
		specs = append(specs, d.resources[urn].spec)
	}
	d.mu.Unlock()

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(specs)
	if err != nil {
		return nil, nil, err
	}
	return graph, builder, nil
}

// Requests returns the requests submitted to providers, sorted by URN.
func (d *Deployment) Requests() []*Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var reqs []*Request
	for _, urn := range d.order {
		if r := d.resources[urn].request; r != nil {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].URN < reqs[j].URN })
	return reqs
}

// Status returns the current status of a registered resource.
func (d *Deployment) Status(urn string) (ResourceStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.resources[urn]
	if !ok {
		return "", false
	}
	return e.status, true
}

func (d *Deployment) publishEvent(ctx context.Context, eventType EventType, urn, message string, details map[string]interface{}) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     d.run.ID,
		URN:       urn,
		Message:   message,
		Level:     eventType.Severity(),
		Details:   details,
	}

	if d.opts.State != nil && !d.opts.DryRun {
		if err := d.opts.State.AppendEvent(ctx, event); err != nil {
			telemetry.FromContext(ctx).WithError(err).Debug("Failed to append event")
		}
	}
	if d.opts.Events != nil {
		_ = d.opts.Events.Publish(ctx, event)
	}
}
