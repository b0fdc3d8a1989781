package platform

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
)

// Object names.
const (
	StoreSecretName = "temporal-default-store"
	WorkerName      = "temporal-worker"
	WebName         = "temporal-web"
	AppName         = "workflow-app"
	AppServiceName  = "temporal-app"
)

// LabelVersion is the app.kubernetes.io/version label of every object.
const LabelVersion = "0.1.0"

// ClusterObjects are the Kubernetes objects of the cluster substrate.
type ClusterObjects struct {
	// Namespace is nil when the application uses "default".
	Namespace *engine.Resource

	StoreSecret   *engine.Resource
	Worker        *engine.Resource
	WorkerService *engine.Resource
	Web           *engine.Resource
	WebService    *engine.Resource
	App           *engine.Resource
	AppService    *engine.Resource
}

func (o *ClusterObjects) states() []output.Any {
	var out []output.Any
	for _, r := range []*engine.Resource{
		o.Namespace, o.StoreSecret, o.Worker, o.WorkerService,
		o.Web, o.WebService, o.App, o.AppService,
	} {
		if r != nil {
			out = append(out, r.State)
		}
	}
	return out
}

func labels(component string) map[string]any {
	return map[string]any{
		"app.kubernetes.io/name":      "temporal",
		"app.kubernetes.io/version":   LabelVersion,
		"app.kubernetes.io/component": component,
		"app.kubernetes.io/part-of":   "temporal",
	}
}

func selector(component string) map[string]any {
	return map[string]any{
		"app.kubernetes.io/name":      "temporal",
		"app.kubernetes.io/component": component,
	}
}

func metadata(name, namespace, component string) map[string]any {
	meta := map[string]any{
		"name":   name,
		"labels": labels(component),
	}
	if namespace != "" {
		meta["namespace"] = namespace
	}
	return meta
}

// objectProps wraps a manifest with the kubeconfig the provider connects
// with.
func objectProps(kubeconfig *output.Output[string], manifest map[string]any) *output.Output[engine.Properties] {
	return engine.Props(map[string]any{
		"kubeconfig": kubeconfig,
		"manifest":   manifest,
	})
}

func namespaceManifest(namespace string) map[string]any {
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata": map[string]any{
			"name": namespace,
			"labels": map[string]any{
				"app.kubernetes.io/name":    "temporal",
				"app.kubernetes.io/part-of": "temporal",
			},
		},
	}
}

// secretKey is the data key a sensitive variable is stored under.
func secretKey(env string) string {
	if env == "MYSQL_PWD" {
		return "password"
	}
	return strings.ToLower(env)
}

func encode(v *output.Output[string]) *output.Output[string] {
	return output.Map(v, func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})
}

func secretManifest(namespace string, env []components.EnvVar) map[string]any {
	data := map[string]any{}
	for _, e := range env {
		if e.Sensitive {
			data[secretKey(e.Name)] = encode(e.Value)
		}
	}
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Secret",
		"metadata":   metadata(StoreSecretName, namespace, "worker"),
		"type":       "Opaque",
		"data":       data,
	}
}

// containerEnv renders env for a pod spec. Sensitive values are read from
// the store secret.
func containerEnv(env []components.EnvVar) []any {
	out := make([]any, 0, len(env))
	for _, e := range env {
		if e.Sensitive {
			out = append(out, map[string]any{
				"name": e.Name,
				"valueFrom": map[string]any{
					"secretKeyRef": map[string]any{"name": StoreSecretName, "key": secretKey(e.Name)},
				},
			})
			continue
		}
		out = append(out, map[string]any{"name": e.Name, "value": e.Value})
	}
	return out
}

type containerSpec struct {
	name     string
	image    any
	port     int
	portName string
	env      []any
	liveness map[string]any
}

func deploymentManifest(name, namespace, component string, c containerSpec) map[string]any {
	port := map[string]any{"containerPort": c.port}
	if c.portName != "" {
		port["name"] = c.portName
	}
	container := map[string]any{
		"name":  c.name,
		"image": c.image,
		"ports": []any{port},
	}
	if len(c.env) > 0 {
		container["env"] = c.env
	}
	if c.liveness != nil {
		container["livenessProbe"] = c.liveness
	}
	return map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   metadata(name, namespace, component),
		"spec": map[string]any{
			"replicas": 1,
			"selector": map[string]any{"matchLabels": selector(component)},
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels(component)},
				"spec": map[string]any{
					"containers": []any{container},
				},
			},
		},
	}
}

func serviceManifest(name, namespace, component string, port int, loadBalancer bool) map[string]any {
	spec := map[string]any{
		"selector": selector(component),
		"ports": []any{map[string]any{
			"port":       port,
			"targetPort": port,
			"protocol":   "TCP",
		}},
	}
	if loadBalancer {
		spec["type"] = "LoadBalancer"
	} else {
		spec["clusterIP"] = "None"
	}
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   metadata(name, namespace, component),
		"spec":       spec,
	}
}

func ingressIP(svc *engine.Resource) *output.Output[string] {
	return svc.StringOutput("status.loadBalancer.ingress.0.ip")
}

// serverAddress is the in-cluster address of the worker service.
func serverAddress(namespace string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local:%d", WorkerName, namespace, components.ServerPort)
}
