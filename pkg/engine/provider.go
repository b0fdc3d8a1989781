package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider translates requests into calls against one external service.
// Providers implement create-or-update semantics; resource lifecycle beyond
// that (deletion, drift) is not modelled.
type Provider interface {
	// Name returns the package name the provider serves, e.g. "azure".
	Name() string

	// Apply creates or updates the resource described by req.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)

	// Read refreshes the outputs of an existing resource.
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)

	// Invoke calls a provider function such as a credential lookup.
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// ApplyRequest contains the parameters for an Apply operation.
type ApplyRequest struct {
	// Request is the resolved request.
	Request *Request

	// Operation is create or update.
	Operation OperationType

	// Prior is the recorded state for updates, nil on create.
	Prior *ResourceState
}

// ApplyResponse contains the result of an Apply operation.
type ApplyResponse struct {
	// ID is the provider's identifier for the resource.
	ID string

	// Outputs holds every output value, secret or not.
	Outputs Properties

	// SecretOutputs lists the output keys that are secret.
	SecretOutputs []string
}

// ReadRequest contains the parameters for a Read operation.
type ReadRequest struct {
	URN        string
	Kind       ResourceKind
	Name       string
	ID         string
	Properties Properties
}

// ReadResponse contains the result of a Read operation.
type ReadResponse struct {
	Outputs       Properties
	SecretOutputs []string
}

// InvokeRequest contains the parameters for a provider function call.
type InvokeRequest struct {
	// Function is the function token, e.g.
	// "azure:containerregistry:listRegistryCredentials".
	Function ResourceKind

	// Args are the resolved arguments.
	Args Properties
}

// InvokeResponse contains the result of a provider function call.
type InvokeResponse struct {
	// Result holds the returned values.
	Result Properties

	// Secret marks the whole result as secret.
	Secret bool
}

// ProviderRegistry maps provider packages to providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates a registry holding the given providers.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the provider for its package.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the provider serving kind.
func (r *ProviderRegistry) Lookup(kind ResourceKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind.Package()]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no provider for package %q", kind.Package()), nil).
			WithCode(ErrCodeNotFound)
	}
	return p, nil
}

// Names returns the registered package names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
