package platform

import (
	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/output"
)

func (p *Platform) composeStandalone(d components.Deployer, name string, args ComposeArgs, env []components.EnvVar) ([]output.Any, error) {
	containers, err := components.NewContainerPlatform(d, name, components.ContainerPlatformArgs{
		ResourceGroup:      args.ResourceGroup,
		Location:           args.Location,
		Version:            args.Version,
		Env:                env,
		Port:               args.App.Port,
		Image:              p.Registry,
		PlaintextSecretEnv: args.Options.PlaintextSecretEnv,
	})
	if err != nil {
		return nil, err
	}
	p.Containers = containers

	p.endpoints[EndpointServer] = containers.ServerEndpoint
	p.endpoints[EndpointWeb] = containers.WebEndpoint
	p.endpoints[EndpointStarter] = containers.StarterEndpoint

	return []output.Any{containers.Server.State, containers.Web.State, containers.Worker.State}, nil
}
