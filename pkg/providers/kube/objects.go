package kube

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Supported object kinds.
const (
	KindNamespace  engine.ResourceKind = "kubernetes:core/v1:Namespace"
	KindSecret     engine.ResourceKind = "kubernetes:core/v1:Secret"
	KindService    engine.ResourceKind = "kubernetes:core/v1:Service"
	KindDeployment engine.ResourceKind = "kubernetes:apps/v1:Deployment"
)

// object is any typed Kubernetes object handled by the provider.
type object interface {
	metav1.Object
	runtime.Object
}

// kindOps binds a resource kind to its typed client calls.
type kindOps struct {
	apiVersion string
	kind       string
	namespaced bool

	newObject func() object
	get       func(ctx context.Context, c kubernetes.Interface, ns, name string) (object, error)
	create    func(ctx context.Context, c kubernetes.Interface, obj object, opts metav1.CreateOptions) (object, error)
	patch     func(ctx context.Context, c kubernetes.Interface, ns, name string, data []byte, opts metav1.PatchOptions) (object, error)
}

var kinds = map[engine.ResourceKind]kindOps{
	KindNamespace: {
		apiVersion: "v1",
		kind:       "Namespace",
		newObject:  func() object { return &corev1.Namespace{} },
		get: func(ctx context.Context, c kubernetes.Interface, _, name string) (object, error) {
			return c.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		},
		create: func(ctx context.Context, c kubernetes.Interface, obj object, opts metav1.CreateOptions) (object, error) {
			return c.CoreV1().Namespaces().Create(ctx, obj.(*corev1.Namespace), opts)
		},
		patch: func(ctx context.Context, c kubernetes.Interface, _, name string, data []byte, opts metav1.PatchOptions) (object, error) {
			return c.CoreV1().Namespaces().Patch(ctx, name, types.StrategicMergePatchType, data, opts)
		},
	},
	KindSecret: {
		apiVersion: "v1",
		kind:       "Secret",
		namespaced: true,
		newObject:  func() object { return &corev1.Secret{} },
		get: func(ctx context.Context, c kubernetes.Interface, ns, name string) (object, error) {
			return c.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
		},
		create: func(ctx context.Context, c kubernetes.Interface, obj object, opts metav1.CreateOptions) (object, error) {
			return c.CoreV1().Secrets(obj.GetNamespace()).Create(ctx, obj.(*corev1.Secret), opts)
		},
		patch: func(ctx context.Context, c kubernetes.Interface, ns, name string, data []byte, opts metav1.PatchOptions) (object, error) {
			return c.CoreV1().Secrets(ns).Patch(ctx, name, types.StrategicMergePatchType, data, opts)
		},
	},
	KindService: {
		apiVersion: "v1",
		kind:       "Service",
		namespaced: true,
		newObject:  func() object { return &corev1.Service{} },
		get: func(ctx context.Context, c kubernetes.Interface, ns, name string) (object, error) {
			return c.CoreV1().Services(ns).Get(ctx, name, metav1.GetOptions{})
		},
		create: func(ctx context.Context, c kubernetes.Interface, obj object, opts metav1.CreateOptions) (object, error) {
			return c.CoreV1().Services(obj.GetNamespace()).Create(ctx, obj.(*corev1.Service), opts)
		},
		patch: func(ctx context.Context, c kubernetes.Interface, ns, name string, data []byte, opts metav1.PatchOptions) (object, error) {
			return c.CoreV1().Services(ns).Patch(ctx, name, types.StrategicMergePatchType, data, opts)
		},
	},
	KindDeployment: {
		apiVersion: "apps/v1",
		kind:       "Deployment",
		namespaced: true,
		newObject:  func() object { return &appsv1.Deployment{} },
		get: func(ctx context.Context, c kubernetes.Interface, ns, name string) (object, error) {
			return c.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		},
		create: func(ctx context.Context, c kubernetes.Interface, obj object, opts metav1.CreateOptions) (object, error) {
			return c.AppsV1().Deployments(obj.GetNamespace()).Create(ctx, obj.(*appsv1.Deployment), opts)
		},
		patch: func(ctx context.Context, c kubernetes.Interface, ns, name string, data []byte, opts metav1.PatchOptions) (object, error) {
			return c.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, data, opts)
		},
	},
}

// objectOutputs converts obj to outputs. Secret payloads never leave the
// cluster: only metadata and type are reported for Secrets.
func objectOutputs(obj object) (engine.Properties, error) {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}

	out := engine.Properties{}
	keep := []string{"metadata", "spec", "status"}
	if _, ok := obj.(*corev1.Secret); ok {
		keep = []string{"metadata", "type"}
	}
	for _, k := range keep {
		if v, ok := u[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out, nil
}

func objectID(obj object) string {
	if obj.GetNamespace() == "" {
		return obj.GetName()
	}
	return obj.GetNamespace() + "/" + obj.GetName()
}
