// Package kube implements the "kubernetes" provider package. Each request
// carries the target cluster's kubeconfig and a manifest of one of the
// supported kinds; the manifest is applied with a strategic merge patch and
// created when it does not exist yet.
package kube

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

const (
	// FieldManager identifies tstack as the writer of applied fields.
	FieldManager = "tstack"

	DefaultLoadBalancerTimeout = 10 * time.Minute
	DefaultPollInterval        = 5 * time.Second
)

// ClientFactory builds a clientset from kubeconfig bytes.
type ClientFactory func(kubeconfig []byte) (kubernetes.Interface, error)

// NewClientFromKubeconfig is the default ClientFactory.
func NewClientFromKubeconfig(kubeconfig []byte) (kubernetes.Interface, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: invalid kubeconfig: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// Config configures the provider.
type Config struct {
	// NewClient builds clientsets. Defaults to NewClientFromKubeconfig.
	NewClient ClientFactory

	// LoadBalancerTimeout bounds the wait for a LoadBalancer ingress address.
	LoadBalancerTimeout time.Duration

	// PollInterval is the interval between readiness checks.
	PollInterval time.Duration

	// WaitForRollout makes Deployment applies wait for all replicas to be ready.
	WaitForRollout bool
}

// Provider serves the "kubernetes" package.
type Provider struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]kubernetes.Interface
}

// New creates the provider.
func New(cfg Config) *Provider {
	if cfg.NewClient == nil {
		cfg.NewClient = NewClientFromKubeconfig
	}
	if cfg.LoadBalancerTimeout <= 0 {
		cfg.LoadBalancerTimeout = DefaultLoadBalancerTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Provider{cfg: cfg, clients: make(map[string]kubernetes.Interface)}
}

var _ engine.Provider = (*Provider)(nil)

// Name returns "kubernetes".
func (p *Provider) Name() string {
	return "kubernetes"
}

// Apply patches or creates the manifest's object.
func (p *Provider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	r := req.Request
	ops, ok := kinds[r.Kind]
	if !ok {
		return nil, unsupportedKind(r.Kind)
	}

	client, err := p.client(r.Properties)
	if err != nil {
		return nil, err
	}
	obj, err := decodeManifest(ops, r.Properties)
	if err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx).WithProvider(p.Name()).WithResourceID(r.URN)
	logger.Debugf("applying %s %s", ops.kind, objectID(obj))

	data, err := runtime.Encode(unstructured.UnstructuredJSONScheme, obj)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: failed to encode %s: %w", objectID(obj), err)
	}

	res, err := ops.patch(ctx, client, obj.GetNamespace(), obj.GetName(), data, metav1.PatchOptions{FieldManager: FieldManager})
	if k8serrors.IsNotFound(err) {
		res, err = ops.create(ctx, client, obj, metav1.CreateOptions{FieldManager: FieldManager})
	}
	if err != nil {
		return nil, classify(err, fmt.Sprintf("apply %s %s", ops.kind, objectID(obj)))
	}

	res, err = p.waitReady(ctx, client, ops, res)
	if err != nil {
		return nil, err
	}

	outputs, err := objectOutputs(res)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: failed to convert %s: %w", objectID(res), err)
	}
	return &engine.ApplyResponse{ID: objectID(res), Outputs: outputs}, nil
}

// Read fetches the object named by the manifest.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	ops, ok := kinds[req.Kind]
	if !ok {
		return nil, unsupportedKind(req.Kind)
	}
	client, err := p.client(req.Properties)
	if err != nil {
		return nil, err
	}
	obj, err := decodeManifest(ops, req.Properties)
	if err != nil {
		return nil, err
	}

	res, err := ops.get(ctx, client, obj.GetNamespace(), obj.GetName())
	if err != nil {
		return nil, classify(err, fmt.Sprintf("get %s %s", ops.kind, objectID(obj)))
	}
	outputs, err := objectOutputs(res)
	if err != nil {
		return nil, err
	}
	return &engine.ReadResponse{Outputs: outputs}, nil
}

// Invoke is not supported.
func (p *Provider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	return nil, unsupportedKind(req.Function)
}

// client returns a cached clientset for the request's kubeconfig.
func (p *Provider) client(props engine.Properties) (kubernetes.Interface, error) {
	kubeconfig := props.String("kubeconfig")
	if kubeconfig == "" {
		return nil, engine.NewRequestRejectedError("kubeconfig is required", nil).WithCode(engine.ErrCodeValidation)
	}

	sum := sha256.Sum256([]byte(kubeconfig))
	key := hex.EncodeToString(sum[:])

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.cfg.NewClient([]byte(kubeconfig))
	if err != nil {
		return nil, engine.NewRequestRejectedError("kubernetes: failed to create client", err).
			WithCode(engine.ErrCodeValidation)
	}
	p.clients[key] = c
	return c, nil
}

// decodeManifest converts the request's manifest into a typed object.
// Namespaced objects without a namespace land in "default".
func decodeManifest(ops kindOps, props engine.Properties) (object, error) {
	manifest, ok := props["manifest"].(map[string]any)
	if !ok {
		return nil, engine.NewRequestRejectedError("manifest is required", nil).WithCode(engine.ErrCodeValidation)
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, engine.NewRequestRejectedError("manifest is not serializable", err).WithCode(engine.ErrCodeValidation)
	}
	u := &unstructured.Unstructured{}
	if err := u.UnmarshalJSON(data); err != nil {
		return nil, engine.NewRequestRejectedError("invalid manifest", err).WithCode(engine.ErrCodeValidation)
	}
	if u.GetAPIVersion() != ops.apiVersion || u.GetKind() != ops.kind {
		return nil, engine.NewRequestRejectedError(
			fmt.Sprintf("manifest is %s %s, expected %s %s", u.GetAPIVersion(), u.GetKind(), ops.apiVersion, ops.kind), nil).
			WithCode(engine.ErrCodeValidation)
	}

	obj := ops.newObject()
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, obj); err != nil {
		return nil, engine.NewRequestRejectedError("invalid manifest", err).WithCode(engine.ErrCodeValidation)
	}
	if obj.GetName() == "" {
		return nil, engine.NewRequestRejectedError("metadata.name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if ops.namespaced && obj.GetNamespace() == "" {
		obj.SetNamespace(metav1.NamespaceDefault)
	}
	return obj, nil
}

// waitReady blocks until a LoadBalancer Service has an ingress address or,
// when enabled, a Deployment has all replicas ready.
func (p *Provider) waitReady(ctx context.Context, client kubernetes.Interface, ops kindOps, obj object) (object, error) {
	var ready func(object) bool
	var what string

	switch o := obj.(type) {
	case *corev1.Service:
		if o.Spec.Type != corev1.ServiceTypeLoadBalancer {
			return obj, nil
		}
		what = "load balancer address"
		ready = func(obj object) bool {
			return len(obj.(*corev1.Service).Status.LoadBalancer.Ingress) > 0
		}
	case *appsv1.Deployment:
		if !p.cfg.WaitForRollout {
			return obj, nil
		}
		what = "rollout"
		ready = func(obj object) bool {
			d := obj.(*appsv1.Deployment)
			want := int32(1)
			if d.Spec.Replicas != nil {
				want = *d.Spec.Replicas
			}
			return d.Status.ReadyReplicas >= want
		}
	default:
		return obj, nil
	}

	if ready(obj) {
		return obj, nil
	}

	telemetry.FromContext(ctx).WithProvider(p.Name()).Infof("waiting for %s of %s", what, objectID(obj))

	current := obj
	err := wait.PollUntilContextTimeout(ctx, p.cfg.PollInterval, p.cfg.LoadBalancerTimeout, true,
		func(ctx context.Context) (bool, error) {
			got, err := ops.get(ctx, client, obj.GetNamespace(), obj.GetName())
			if err != nil {
				return false, err
			}
			current = got
			return ready(got), nil
		})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, engine.NewTransientError(
				fmt.Sprintf("kubernetes: timed out waiting for %s of %s", what, objectID(obj)), err).
				WithCode(engine.ErrCodeTimeout)
		}
		return nil, classify(err, "wait for "+objectID(obj))
	}
	return current, nil
}

func classify(err error, op string) error {
	var status k8serrors.APIStatus
	if errors.As(err, &status) {
		if code := int(status.Status().Code); code != 0 {
			return engine.ClassifyHTTPStatus(code, "kubernetes: "+op+" failed", err).
				WithDetail("reason", string(k8serrors.ReasonForError(err)))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("kubernetes: "+op+" interrupted", err).WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewTransientError("kubernetes: "+op+" failed", err).WithCode(engine.ErrCodeProviderFailed)
}

func unsupportedKind(kind engine.ResourceKind) error {
	return engine.NewRequestRejectedError(fmt.Sprintf("kubernetes: unsupported kind %q", kind), nil).
		WithCode(engine.ErrCodeValidation)
}
