// Package memory provides deterministic in-process providers. They accept
// every request, record it, and synthesize outputs shaped like the real
// services' responses (addresses, host names, login servers, credentials).
// Outputs depend only on the request, so the same graph always produces the
// same values.
//
// The providers back `tstack preview` and the composition tests.
package memory

import (
	"context"
	"sync"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Operations recorded by the Recorder.
const (
	OpApply  = "apply"
	OpRead   = "read"
	OpInvoke = "invoke"
)

// Packages served by Registry.
var Packages = []string{"azure", "azuread", "kubernetes", "docker", "local"}

// Call is one recorded provider call.
type Call struct {
	Provider   string
	Operation  string
	Kind       engine.ResourceKind
	URN        string
	Name       string
	Properties engine.Properties
	Secret     bool
}

// Recorder collects the calls made on every provider sharing it.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of every recorded call in arrival order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Operation returns the calls of one operation type.
func (r *Recorder) Operation(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

// Applies returns the recorded Apply calls.
func (r *Recorder) Applies() []Call {
	return r.Operation(OpApply)
}

// Kind returns the Apply calls for one resource kind.
func (r *Recorder) Kind(kind engine.ResourceKind) []Call {
	var out []Call
	for _, c := range r.Applies() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Named returns the Apply call for a resource name, if any.
func (r *Recorder) Named(name string) (Call, bool) {
	for _, c := range r.Applies() {
		if c.Name == name {
			return c, true
		}
	}
	return Call{}, false
}

// Find returns the Apply call for a resource of one kind and name.
func (r *Recorder) Find(kind engine.ResourceKind, name string) (Call, bool) {
	for _, c := range r.Applies() {
		if c.Kind == kind && c.Name == name {
			return c, true
		}
	}
	return Call{}, false
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Provider serves one package in memory.
type Provider struct {
	name     string
	recorder *Recorder

	mu       sync.Mutex
	failures map[string]error
}

var _ engine.Provider = (*Provider)(nil)

// New creates a provider for the named package. A nil recorder gets a
// private one.
func New(name string, recorder *Recorder) *Provider {
	if recorder == nil {
		recorder = NewRecorder()
	}
	return &Provider{name: name, recorder: recorder, failures: make(map[string]error)}
}

// Registry returns a provider registry serving every package with memory
// providers that share recorder.
func Registry(recorder *Recorder) *engine.ProviderRegistry {
	reg := engine.NewProviderRegistry()
	for _, name := range Packages {
		reg.Register(New(name, recorder))
	}
	return reg
}

// Name returns the package name.
func (p *Provider) Name() string {
	return p.name
}

// Recorder returns the recorder the provider writes to.
func (p *Provider) Recorder() *Recorder {
	return p.recorder
}

// FailOn makes every call whose resource name, kind or function token
// equals match return err.
func (p *Provider) FailOn(match string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[match] = err
}

func (p *Provider) failure(keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if err, ok := p.failures[k]; ok {
			return err
		}
	}
	return nil
}

// Apply records the request and returns synthesized outputs.
func (p *Provider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	r := req.Request
	p.recorder.record(Call{
		Provider:   p.name,
		Operation:  OpApply,
		Kind:       r.Kind,
		URN:        r.URN,
		Name:       r.Name,
		Properties: r.Properties.Clone(),
		Secret:     r.Secret,
	})
	if err := p.failure(r.Name, string(r.Kind)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return synthesize(r.Kind, r.Name, r.Properties)
}

// Read records the request and returns the same outputs Apply would.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	p.recorder.record(Call{
		Provider:   p.name,
		Operation:  OpRead,
		Kind:       req.Kind,
		URN:        req.URN,
		Name:       req.Name,
		Properties: req.Properties.Clone(),
	})
	if err := p.failure(req.Name, string(req.Kind)); err != nil {
		return nil, err
	}
	resp, err := synthesize(req.Kind, req.Name, req.Properties)
	if err != nil {
		return nil, err
	}
	return &engine.ReadResponse{Outputs: resp.Outputs, SecretOutputs: resp.SecretOutputs}, nil
}

// Invoke records the call and returns a synthesized result.
func (p *Provider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	p.recorder.record(Call{
		Provider:   p.name,
		Operation:  OpInvoke,
		Kind:       req.Function,
		Properties: req.Args.Clone(),
	})
	if err := p.failure(string(req.Function)); err != nil {
		return nil, err
	}
	return invoke(req.Function, req.Args)
}
