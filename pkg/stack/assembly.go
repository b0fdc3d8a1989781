// Package stack assembles and runs a complete Temporal deployment from a
// stack file.
package stack

import (
	"errors"
	"fmt"
	"sort"

	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/config"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/platform"
	"github.com/openfroyo/tstack/pkg/providers/azure"
)

// MySQLPasswordLength is the length of the generated administrator password.
const MySQLPasswordLength = 16

// Assembly is the declared stack.
type Assembly struct {
	ResourceGroup     *engine.Resource
	ResourceGroupName *output.Output[string]

	Datastore *components.MySQL
	Cluster   *components.Cluster
	Platform  *platform.Platform

	// Outputs are the published stack outputs keyed by name.
	Outputs map[string]*output.Output[string]
}

// OutputNames returns the output names in sorted order.
func (a *Assembly) OutputNames() []string {
	names := make([]string, 0, len(a.Outputs))
	for name := range a.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkDeclarable runs the argument checks of every component Build
// declares, so a configuration they would reject registers nothing.
func checkDeclarable(cfg *config.StackConfig) error {
	if err := platform.CheckEngine(cfg.Datastore.Engine); err != nil {
		return err
	}
	if cfg.Datastore.AdminLogin == "" {
		return errors.New("stack: datastore admin login is required")
	}
	if cfg.Temporal.Version == "" {
		return errors.New("stack: temporal version is required")
	}
	app := platform.AppDescriptor{Folder: cfg.App.Folder, Port: cfg.App.Port, Namespace: cfg.App.Namespace}
	if err := app.Validate(); err != nil {
		return err
	}
	if cfg.Substrate == config.SubstrateCluster {
		return components.ClusterArgs{
			KubernetesVersion: cfg.Compute.Cluster.KubernetesVersion,
			VMSize:            cfg.Compute.Cluster.VMSize,
			VMCount:           cfg.Compute.Cluster.VMCount,
		}.ValidateNodePool()
	}
	return nil
}

// Build declares the whole stack on d. When the workflow image cannot be
// built the partial assembly is returned with the error; everything
// declared up to that point still deploys.
func Build(d components.Deployer, cfg *config.StackConfig) (*Assembly, error) {
	if cfg == nil {
		return nil, errors.New("stack: configuration is required")
	}
	var compute platform.ComputeDescriptor
	switch cfg.Substrate {
	case config.SubstrateStandalone:
		compute = platform.StandaloneCompute{}
	case config.SubstrateCluster:
		if cfg.SubscriptionID == "" {
			return nil, errors.New("stack: the cluster substrate needs a subscription id")
		}
	default:
		return nil, fmt.Errorf("%w: substrate %q", platform.ErrUnknownVariant, cfg.Substrate)
	}
	if err := checkDeclarable(cfg); err != nil {
		return nil, err
	}

	ids := components.NewIdentity(d)
	a := &Assembly{Outputs: make(map[string]*output.Output[string])}

	suffix := ids.RandomString("rg-suffix", SuffixLength, false, false)
	a.ResourceGroup = d.Register(azure.KindResourceGroup, "rg", engine.Props(map[string]any{
		"resourceGroupName": output.Map(suffix, ResourceGroupName),
		"location":          cfg.Location,
	}))
	a.ResourceGroupName = a.ResourceGroup.StringOutput("name")
	location := a.ResourceGroup.StringOutput("location")

	password := ids.RandomPassword("mysql-password", MySQLPasswordLength, true)

	db, err := components.NewMySQL(d, "mysql", components.MySQLArgs{
		ResourceGroup:    a.ResourceGroupName,
		Location:         location,
		AdminLogin:       cfg.Datastore.AdminLogin,
		AdminPassword:    password,
		AllowAllFirewall: cfg.Datastore.AllowAllFirewall,
	})
	if err != nil {
		return nil, err
	}
	a.Datastore = db

	if cfg.Substrate == config.SubstrateCluster {
		cluster, err := components.NewCluster(d, "aks", components.ClusterArgs{
			ResourceGroup:     a.ResourceGroupName,
			Location:          location,
			KubernetesVersion: cfg.Compute.Cluster.KubernetesVersion,
			VMSize:            cfg.Compute.Cluster.VMSize,
			VMCount:           cfg.Compute.Cluster.VMCount,
		})
		if err != nil {
			return nil, err
		}
		a.Cluster = cluster
		compute = platform.ClusterCompute{
			AccessCredentials: cluster.AccessCredentials,
			WorkloadIdentity:  cluster.WorkloadIdentity,
		}
	}

	p, err := platform.Compose(d, "temporal", platform.ComposeArgs{
		ResourceGroup:  a.ResourceGroupName,
		Location:       location,
		Version:        cfg.Temporal.Version,
		SubscriptionID: cfg.SubscriptionID,
		Storage: platform.RelationalStorage{
			Engine:   cfg.Datastore.Engine,
			Hostname: db.Hostname,
			Login:    db.Login,
			Password: db.Password,
		},
		Compute: compute,
		App: platform.AppDescriptor{
			Folder:    cfg.App.Folder,
			Port:      cfg.App.Port,
			Namespace: cfg.App.Namespace,
		},
		Options: platform.Options{PlaintextSecretEnv: cfg.Compute.PlaintextSecretEnv},
	})
	if p == nil {
		return a, err
	}
	a.Platform = p
	for name, ep := range p.Endpoints() {
		a.Outputs[name] = ep
	}
	return a, err
}
