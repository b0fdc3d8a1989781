package platform

import (
	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/kube"
)

// liveness check delay of the server container; schema setup runs first.
const workerLivenessDelay = 150

func (p *Platform) composeCluster(d components.Deployer, name string, args ComposeArgs, env []components.EnvVar, cluster *ClusterCompute) ([]output.Any, error) {
	binding, err := components.NewAccessBinding(d, name+"-acr-pull", components.AccessArgs{
		Principal:      cluster.WorkloadIdentity,
		Scope:          p.Registry.RegistryID,
		Role:           components.RoleAcrPull,
		SubscriptionID: args.SubscriptionID,
	})
	if err != nil {
		return nil, err
	}
	p.Binding = binding

	kubeconfig := cluster.AccessCredentials
	ns := args.App.namespace()
	objs := &ClusterObjects{}

	var scoped []engine.RegisterOption
	if ns != "default" {
		objs.Namespace = d.Register(kube.KindNamespace, ns, objectProps(kubeconfig, namespaceManifest(ns)))
		scoped = append(scoped, engine.DependsOn(objs.Namespace))
	}
	in := func(extra ...*engine.Resource) []engine.RegisterOption {
		opts := append([]engine.RegisterOption(nil), scoped...)
		if len(extra) > 0 {
			opts = append(opts, engine.DependsOn(extra...))
		}
		return opts
	}

	objs.StoreSecret = d.Register(kube.KindSecret, StoreSecretName,
		objectProps(kubeconfig, secretManifest(ns, env)), in()...)

	objs.Worker = d.Register(kube.KindDeployment, WorkerName,
		objectProps(kubeconfig, deploymentManifest(WorkerName, ns, "worker", containerSpec{
			name:     WorkerName,
			image:    "temporalio/auto-setup:" + args.Version,
			port:     components.ServerPort,
			portName: "rpc",
			env:      containerEnv(env),
			liveness: map[string]any{
				"tcpSocket":           map[string]any{"port": "rpc"},
				"initialDelaySeconds": workerLivenessDelay,
			},
		})), in(objs.StoreSecret)...)

	objs.WorkerService = d.Register(kube.KindService, WorkerName,
		objectProps(kubeconfig, serviceManifest(WorkerName, ns, "worker", components.ServerPort, false)),
		in(objs.Worker)...)

	grpcEnv := []any{map[string]any{"name": "TEMPORAL_GRPC_ENDPOINT", "value": serverAddress(ns)}}

	objs.Web = d.Register(kube.KindDeployment, WebName,
		objectProps(kubeconfig, deploymentManifest(WebName, ns, "web", containerSpec{
			name:  WebName,
			image: "temporalio/web:" + args.Version,
			port:  components.WebPort,
			env:   grpcEnv,
		})), in()...)

	objs.WebService = d.Register(kube.KindService, WebName,
		objectProps(kubeconfig, serviceManifest(WebName, ns, "web", components.WebPort, true)),
		in(objs.Web)...)

	objs.App = d.Register(kube.KindDeployment, AppName,
		objectProps(kubeconfig, deploymentManifest(AppName, ns, "app", containerSpec{
			name:  AppName,
			image: p.Registry.ImageReference,
			port:  args.App.Port,
			env:   grpcEnv,
		})), in(objs.WorkerService, binding.Resource)...)

	objs.AppService = d.Register(kube.KindService, AppServiceName,
		objectProps(kubeconfig, serviceManifest(AppServiceName, ns, "app", args.App.Port, true)),
		in(objs.App)...)

	p.Objects = objs
	p.endpoints[EndpointWeb] = output.Sprintf("http://%s:%d", ingressIP(objs.WebService), components.WebPort)
	p.endpoints[EndpointStarter] = output.Sprintf("http://%s:%d/async?name=", ingressIP(objs.AppService), args.App.Port)

	return append(objs.states(), binding.Resource.State), nil
}
