// Package azure implements the "azure" provider package: ARM resources
// (MySQL, container instances, container registry, AKS, resource groups,
// role assignments) and their credential functions.
//
// Resources other than resource groups and role assignments go through a
// generic ARM path: the request properties are the ARM resource body, plus
// the path keys that name the resource. Long-running operations are polled
// to completion before Apply returns.
package azure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

const (
	moduleName    = "github.com/openfroyo/tstack/pkg/providers/azure"
	moduleVersion = "v0.1.0"

	// DefaultPollFrequency is the polling interval for long-running operations.
	DefaultPollFrequency = 10 * time.Second
)

// Config configures the ARM provider.
type Config struct {
	// SubscriptionID scopes every resource group.
	SubscriptionID string

	// Credential authenticates ARM calls. Defaults to DefaultAzureCredential.
	Credential azcore.TokenCredential

	// ClientOptions override the cloud, transport and retry settings.
	ClientOptions *arm.ClientOptions

	// PollFrequency is the long-running operation polling interval.
	PollFrequency time.Duration
}

// Provider serves the "azure" package.
type Provider struct {
	cfg    Config
	client *arm.Client
	groups *armresources.ResourceGroupsClient
	roles  *armauthorization.RoleAssignmentsClient
}

// New creates the ARM provider.
func New(cfg Config) (*Provider, error) {
	if cfg.SubscriptionID == "" {
		return nil, errors.New("azure: subscription id is required")
	}
	if cfg.Credential == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure: failed to create default credential: %w", err)
		}
		cfg.Credential = cred
	}
	if cfg.PollFrequency < time.Second {
		cfg.PollFrequency = DefaultPollFrequency
	}

	client, err := arm.NewClient(moduleName, moduleVersion, cfg.Credential, cfg.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create ARM client: %w", err)
	}

	groups, err := armresources.NewResourceGroupsClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create resource groups client: %w", err)
	}

	roles, err := armauthorization.NewRoleAssignmentsClient(cfg.SubscriptionID, cfg.Credential, cfg.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to create role assignments client: %w", err)
	}

	return &Provider{
		cfg:    cfg,
		client: client,
		groups: groups,
		roles:  roles,
	}, nil
}

var _ engine.Provider = (*Provider)(nil)

// Name returns "azure".
func (p *Provider) Name() string {
	return "azure"
}

// SubscriptionID returns the subscription the provider deploys into.
func (p *Provider) SubscriptionID() string {
	return p.cfg.SubscriptionID
}

// Apply creates or updates the resource.
func (p *Provider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	r := req.Request
	telemetry.FromContext(ctx).WithProvider(p.Name()).WithResourceID(r.URN).
		Debugf("%s %s", req.Operation, r.Kind)

	switch r.Kind {
	case KindResourceGroup:
		return p.applyResourceGroup(ctx, r)
	case KindRoleAssignment:
		return p.applyRoleAssignment(ctx, r)
	}

	kind, ok := armKinds[r.Kind]
	if !ok {
		return nil, unsupportedKind(r.Kind)
	}

	path, err := kind.resourcePath(p.cfg.SubscriptionID, r.Properties)
	if err != nil {
		return nil, err
	}

	result, err := p.put(ctx, path, kind.APIVersion, kind.body(r.Properties))
	if err != nil {
		return nil, err
	}

	return &engine.ApplyResponse{
		ID:      stringField(result, "id"),
		Outputs: engine.Properties(result),
	}, nil
}

// Read fetches the current representation of the resource.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	switch req.Kind {
	case KindResourceGroup:
		return p.readResourceGroup(ctx, req)
	case KindRoleAssignment:
		return p.readRoleAssignment(ctx, req)
	}

	kind, ok := armKinds[req.Kind]
	if !ok {
		return nil, unsupportedKind(req.Kind)
	}

	path, err := kind.resourcePath(p.cfg.SubscriptionID, req.Properties)
	if err != nil {
		return nil, err
	}

	result, err := p.get(ctx, path, kind.APIVersion)
	if err != nil {
		return nil, err
	}
	return &engine.ReadResponse{Outputs: engine.Properties(result)}, nil
}

// Invoke calls a credential listing function. Results are always secret.
func (p *Provider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	fn, ok := armFunctions[req.Function]
	if !ok {
		return nil, unsupportedKind(req.Function)
	}
	kind := armKinds[fn.Resource]

	path, err := kind.resourcePath(p.cfg.SubscriptionID, req.Args)
	if err != nil {
		return nil, err
	}

	result, err := p.post(ctx, path+"/"+fn.Action, kind.APIVersion)
	if err != nil {
		return nil, err
	}
	return &engine.InvokeResponse{Result: engine.Properties(result), Secret: true}, nil
}

func unsupportedKind(kind engine.ResourceKind) error {
	return engine.NewRequestRejectedError(fmt.Sprintf("azure: unsupported kind %q", kind), nil).
		WithCode(engine.ErrCodeValidation)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
