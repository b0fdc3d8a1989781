package components

import (
	"errors"
	"fmt"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
)

// Well-known ports.
const (
	ServerPort = 7233
	WebPort    = 8088
)

// EnvVar is one container environment variable.
type EnvVar struct {
	Name  string
	Value *output.Output[string]

	// Sensitive values are passed as secure values unless plaintext
	// injection is allowed.
	Sensitive bool
}

// Env is shorthand for a plain variable.
func Env(name, value string) EnvVar {
	return EnvVar{Name: name, Value: output.String(value)}
}

// ContainerPlatformArgs configures NewContainerPlatform.
type ContainerPlatformArgs struct {
	ResourceGroup *output.Output[string]
	Location      *output.Output[string]

	// Version is the Temporal image tag.
	Version string

	// Env is the server environment.
	Env []EnvVar

	// Port is the worker application port.
	Port int

	// Image is the worker image and its registry.
	Image *RegistryImage

	// PlaintextSecretEnv passes sensitive variables as plain values.
	PlaintextSecretEnv bool
}

// ContainerPlatform is the Temporal server, web console and worker running
// as container groups.
type ContainerPlatform struct {
	Server *engine.Resource
	Web    *engine.Resource
	Worker *engine.Resource

	ServerEndpoint  *output.Output[string]
	WebEndpoint     *output.Output[string]
	StarterEndpoint *output.Output[string]
}

// NewContainerPlatform declares the three container groups. The web and
// worker groups receive the server endpoint, so they are only submitted
// once the server has an address.
func NewContainerPlatform(d Deployer, name string, args ContainerPlatformArgs) (*ContainerPlatform, error) {
	if args.ResourceGroup == nil || args.Location == nil {
		return nil, errors.New("containers: resource group and location are required")
	}
	if args.Image == nil || args.Image.ImageReference == nil {
		return nil, errors.New("containers: worker image is required")
	}
	if args.Version == "" {
		return nil, errors.New("containers: version is required")
	}
	if args.Port <= 0 {
		return nil, fmt.Errorf("containers: invalid application port %d", args.Port)
	}

	p := &ContainerPlatform{}

	p.Server = registerGroup(d, name+"-server", groupSpec{
		resourceGroup: args.ResourceGroup,
		location:      args.Location,
		role:          "server",
		container:     "temporalio-server",
		image:         "temporalio/server:" + args.Version,
		port:          ServerPort,
		env:           args.Env,
		plaintext:     args.PlaintextSecretEnv,
	})
	p.ServerEndpoint = output.Sprintf("%s:%d", groupAddress(p.Server), ServerPort)

	grpcEnv := []EnvVar{{Name: "TEMPORAL_GRPC_ENDPOINT", Value: p.ServerEndpoint}}

	p.Web = registerGroup(d, name+"-web", groupSpec{
		resourceGroup: args.ResourceGroup,
		location:      args.Location,
		role:          "web",
		container:     "temporalio-web",
		image:         "temporalio/web:" + args.Version,
		port:          WebPort,
		env:           grpcEnv,
	})
	p.WebEndpoint = output.Sprintf("http://%s:%d", groupAddress(p.Web), WebPort)

	p.Worker = registerGroup(d, name+"-worker", groupSpec{
		resourceGroup: args.ResourceGroup,
		location:      args.Location,
		role:          "worker",
		container:     "temporalio-worker",
		image:         args.Image.ImageReference,
		port:          args.Port,
		env:           grpcEnv,
		credentials: []any{map[string]any{
			"server":   args.Image.LoginServer,
			"username": args.Image.Username(),
			"password": args.Image.Password(),
		}},
	})
	p.StarterEndpoint = output.Sprintf("http://%s:%d/async?name=", groupAddress(p.Worker), args.Port)

	return p, nil
}

type groupSpec struct {
	resourceGroup *output.Output[string]
	location      *output.Output[string]
	role          string
	container     string
	image         any
	port          int
	env           []EnvVar
	credentials   []any
	plaintext     bool
}

func registerGroup(d Deployer, name string, spec groupSpec) *engine.Resource {
	env := make([]any, 0, len(spec.env))
	for _, e := range spec.env {
		key := "value"
		if e.Sensitive && !spec.plaintext {
			key = "secureValue"
		}
		env = append(env, map[string]any{"name": e.Name, key: e.Value})
	}

	props := map[string]any{
		"osType": "Linux",
		"ipAddress": map[string]any{
			"type":  "Public",
			"ports": []any{map[string]any{"protocol": "TCP", "port": spec.port}},
		},
		"containers": []any{map[string]any{
			"name": spec.container,
			"properties": map[string]any{
				"image": spec.image,
				"ports": []any{map[string]any{"port": spec.port}},
				"resources": map[string]any{
					"requests": map[string]any{"memoryInGB": 1, "cpu": 1},
				},
				"environmentVariables": env,
			},
		}},
	}
	if len(spec.credentials) > 0 {
		props["imageRegistryCredentials"] = spec.credentials
	}

	groupName := output.Map(spec.resourceGroup, func(rg string) string {
		return ContainerGroupName(rg, spec.role)
	})

	return d.Register(azure.KindContainerGroup, name, engine.Props(map[string]any{
		"resourceGroupName":  spec.resourceGroup,
		"containerGroupName": groupName,
		"location":           spec.location,
		"properties":         props,
	}))
}

func groupAddress(group *engine.Resource) *output.Output[string] {
	return group.StringOutput("properties.ipAddress.ip")
}
