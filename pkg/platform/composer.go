// Package platform composes the Temporal platform from a datastore, a
// compute substrate and a workflow application image.
//
// Compose declares the whole graph in one call. The StorageDescriptor and
// ComputeDescriptor are checked first; an unsupported variant returns
// ErrUnknownVariant before anything is registered. After that the graph is
// datastore, registry and image, the compute sub-graph for the chosen
// substrate, and the published endpoints.
package platform

import (
	"errors"
	"sync"

	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/output"
)

// Stage is a step of the composition.
type Stage int

const (
	StageStart Stage = iota
	StageStorageReady
	StageRegistryReady
	StageComputeDeployed
	StageEndpointsPublished
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "Start"
	case StageStorageReady:
		return "StorageReady"
	case StageRegistryReady:
		return "RegistryReady"
	case StageComputeDeployed:
		return "ComputeDeployed"
	case StageEndpointsPublished:
		return "EndpointsPublished"
	default:
		return "Unknown"
	}
}

// Endpoint output names.
const (
	EndpointServer  = "serverEndpoint"
	EndpointWeb     = "webEndpoint"
	EndpointStarter = "starterEndpoint"
)

// DefaultImageName is the repository of the workflow application image.
const DefaultImageName = "temporal-worker"

// Options tunes the composition.
type Options struct {
	// PlaintextSecretEnv passes the database password to container groups
	// as a plain environment value.
	PlaintextSecretEnv bool

	// ImageName defaults to DefaultImageName.
	ImageName string
}

// ComposeArgs configures Compose.
type ComposeArgs struct {
	ResourceGroup *output.Output[string]
	Location      *output.Output[string]

	// Version is the Temporal image tag.
	Version string

	// SubscriptionID scopes the registry role assignment of the cluster
	// substrate.
	SubscriptionID string

	Storage StorageDescriptor
	Compute ComputeDescriptor
	App     AppDescriptor
	Options Options
}

// Platform is the composed platform.
type Platform struct {
	Registry *components.RegistryImage

	// Containers is set for the standalone substrate.
	Containers *components.ContainerPlatform

	// Objects and Binding are set for the cluster substrate.
	Objects *ClusterObjects
	Binding *components.AccessBinding

	endpoints map[string]*output.Output[string]
	stage     *output.Output[Stage]
}

// Endpoints returns the published endpoints keyed by output name.
func (p *Platform) Endpoints() map[string]*output.Output[string] {
	out := make(map[string]*output.Output[string], len(p.endpoints))
	for k, v := range p.endpoints {
		out[k] = v
	}
	return out
}

// Stage resolves with the last stage the composition reached, once no
// further stage can be reached.
func (p *Platform) Stage() *output.Output[Stage] {
	return p.stage
}

// Compose declares the platform. A registry build failure is returned with
// the partial platform: the registry is declared, no compute sub-graph is.
func Compose(d components.Deployer, name string, args ComposeArgs) (*Platform, error) {
	if args.ResourceGroup == nil || args.Location == nil {
		return nil, errors.New("platform: resource group and location are required")
	}
	if args.Version == "" {
		return nil, errors.New("platform: version is required")
	}
	env, err := storageEnv(args.Storage)
	if err != nil {
		return nil, err
	}
	cluster, isCluster, err := clusterCompute(args.Compute)
	if err != nil {
		return nil, err
	}
	if err := args.App.Validate(); err != nil {
		return nil, err
	}
	if isCluster && args.SubscriptionID == "" {
		return nil, errors.New("platform: cluster substrate needs a subscription id")
	}
	if args.Options.ImageName == "" {
		args.Options.ImageName = DefaultImageName
	}

	p := &Platform{endpoints: make(map[string]*output.Output[string])}
	t := &stageTracker{}

	storage := t.gate(output.Of(StageStart), StageStorageReady, storageOutputs(env)...)

	registry, err := components.NewRegistryImage(d, name+"-registry", components.RegistryArgs{
		ResourceGroup: args.ResourceGroup,
		Location:      args.Location,
		SourceFolder:  args.App.Folder,
		ImageName:     args.Options.ImageName,
	})
	p.Registry = registry
	if err != nil {
		p.stage = t.final(storage)
		return p, err
	}
	ready := t.gate(storage, StageRegistryReady, registry.LoginServer, registry.ImageReference)

	var deployed []output.Any
	if isCluster {
		deployed, err = p.composeCluster(d, name, args, env, cluster)
	} else {
		deployed, err = p.composeStandalone(d, name, args, env)
	}
	if err != nil {
		p.stage = t.final(storage, ready)
		return p, err
	}
	computed := t.gate(ready, StageComputeDeployed, deployed...)

	published := make([]output.Any, 0, len(p.endpoints))
	for _, key := range []string{EndpointServer, EndpointWeb, EndpointStarter} {
		if ep, ok := p.endpoints[key]; ok {
			published = append(published, ep)
		}
	}
	endpoints := t.gate(computed, StageEndpointsPublished, published...)
	p.stage = t.final(storage, ready, computed, endpoints)

	return p, nil
}

// stageTracker records the highest stage reached. Each gate resolves once
// the previous gate and the stage's own outputs resolve, so a failure
// anywhere stops every later stage.
type stageTracker struct {
	mu      sync.Mutex
	reached Stage
}

func (t *stageTracker) advance(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s > t.reached {
		t.reached = s
	}
}

func (t *stageTracker) current() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reached
}

func (t *stageTracker) gate(prev *output.Output[Stage], next Stage, outs ...output.Any) *output.Output[Stage] {
	inputs := append([]output.Any{prev}, outs...)
	return output.Map(output.All(inputs...), func([]any) Stage {
		t.advance(next)
		return next
	})
}

// final resolves with the reached stage once every gate has settled
// either way.
func (t *stageTracker) final(gates ...*output.Output[Stage]) *output.Output[Stage] {
	out, r := output.New[Stage]()
	var (
		mu      sync.Mutex
		pending = len(gates)
	)
	for _, g := range gates {
		g.OnSettled(func(Stage, bool, error) {
			mu.Lock()
			pending--
			done := pending == 0
			mu.Unlock()
			if done {
				r.Resolve(t.current(), false)
			}
		})
	}
	return out
}
