package platform

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/docker"
	"github.com/openfroyo/tstack/pkg/providers/kube"
	"github.com/openfroyo/tstack/pkg/providers/memory"
)

const testRG = "t-abc123"

type testEnv struct {
	d   *engine.Deployment
	rec *memory.Recorder
	reg *engine.ProviderRegistry
}

func newTestEnv(t *testing.T, failures map[string]error) *testEnv {
	t.Helper()
	rec := memory.NewRecorder()
	reg := memory.Registry(rec)
	for match, err := range failures {
		for _, name := range memory.Packages {
			p, lookupErr := reg.Lookup(engine.ResourceKind(name + ":x:y"))
			if lookupErr != nil {
				t.Fatalf("Lookup failed: %v", lookupErr)
			}
			p.(*memory.Provider).FailOn(match, err)
		}
	}
	d, err := engine.NewDeployment(context.Background(), engine.Options{
		Stack:     "dev",
		Providers: reg,
	})
	if err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}
	return &testEnv{d: d, rec: rec, reg: reg}
}

func (e *testEnv) wait(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := e.d.Wait(ctx)
	return err
}

func await[T any](t *testing.T, o *output.Output[T]) (T, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, secret, err := o.AwaitSecret(ctx)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	return v, secret
}

func appFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func relational() RelationalStorage {
	return RelationalStorage{
		Engine:   "mysql",
		Hostname: output.String("t-abc123-mysql.mysql.database.azure.com"),
		Login:    output.String("temporal@t-abc123-mysql"),
		Password: output.SecretOf("s3cret!"),
	}
}

func testClusterCompute() ClusterCompute {
	return ClusterCompute{
		AccessCredentials: output.SecretOf(memory.Kubeconfig("t-abc123-aks")),
		WorkloadIdentity:  output.String("11111111-2222-3333-4444-555555555555"),
	}
}

func composeArgs(t *testing.T, compute ComputeDescriptor, namespace string) ComposeArgs {
	return ComposeArgs{
		ResourceGroup:  output.String(testRG),
		Location:       output.String("westeurope"),
		Version:        "0.29.0",
		SubscriptionID: memory.Subscription,
		Storage:        relational(),
		Compute:        compute,
		App:            AppDescriptor{Folder: appFolder(t), Port: 8080, Namespace: namespace},
	}
}

type documentStorage struct{}

func (documentStorage) Variant() string { return "document" }
func (documentStorage) storage()        {}

type edgeCompute struct{}

func (edgeCompute) Variant() string { return "edge" }
func (edgeCompute) compute()        {}

func TestStorageEnv_Relational(t *testing.T) {
	env, err := storageEnv(relational())
	if err != nil {
		t.Fatalf("storageEnv failed: %v", err)
	}

	want := map[string]string{
		"AUTO_SETUP":  "true",
		"DB":          "mysql",
		"MYSQL_SEEDS": "t-abc123-mysql.mysql.database.azure.com",
		"MYSQL_USER":  "temporal@t-abc123-mysql",
		"MYSQL_PWD":   "s3cret!",
	}
	if len(env) != len(want) {
		t.Fatalf("Expected %d variables, got: %d", len(want), len(env))
	}
	for _, e := range env {
		expected, ok := want[e.Name]
		if !ok {
			t.Errorf("Unexpected variable %s", e.Name)
			continue
		}
		got, secret := await(t, e.Value)
		if got != expected {
			t.Errorf("Expected %s=%s, got: %s", e.Name, expected, got)
		}
		if e.Sensitive != (e.Name == "MYSQL_PWD") {
			t.Errorf("Unexpected sensitivity for %s: %v", e.Name, e.Sensitive)
		}
		if secret != (e.Name == "MYSQL_PWD") {
			t.Errorf("Unexpected secret flag for %s: %v", e.Name, secret)
		}
	}

	ptr := relational()
	if _, err := storageEnv(&ptr); err != nil {
		t.Errorf("Expected pointer descriptors to be accepted, got: %v", err)
	}
}

func TestStorageEnv_UnknownVariants(t *testing.T) {
	postgres := relational()
	postgres.Engine = "postgres"

	tests := []struct {
		name    string
		storage StorageDescriptor
	}{
		{"nil", nil},
		{"nil-pointer", (*RelationalStorage)(nil)},
		{"foreign", documentStorage{}},
		{"engine", postgres},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := storageEnv(tt.storage); !errors.Is(err, ErrUnknownVariant) {
				t.Errorf("Expected ErrUnknownVariant, got: %v", err)
			}
		})
	}
}

func TestCompose_UnknownVariantRegistersNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ComposeArgs)
	}{
		{"storage", func(a *ComposeArgs) { a.Storage = documentStorage{} }},
		{"compute", func(a *ComposeArgs) { a.Compute = edgeCompute{} }},
		{"nil-compute", func(a *ComposeArgs) { a.Compute = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			args := composeArgs(t, StandaloneCompute{}, "")
			tt.mutate(&args)

			p, err := Compose(env.d, "temporal", args)
			if !errors.Is(err, ErrUnknownVariant) {
				t.Fatalf("Expected ErrUnknownVariant, got: %v", err)
			}
			if p != nil {
				t.Error("Expected no platform")
			}
			if err := env.wait(t); err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			if calls := env.rec.Calls(); len(calls) != 0 {
				t.Errorf("Expected no provider calls, got: %d", len(calls))
			}
			if reqs := env.d.Requests(); len(reqs) != 0 {
				t.Errorf("Expected no requests, got: %d", len(reqs))
			}
		})
	}
}

func TestCompose_Standalone(t *testing.T) {
	env := newTestEnv(t, nil)

	p, err := Compose(env.d, "temporal", composeArgs(t, StandaloneCompute{}, ""))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if err := env.wait(t); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	endpoints := p.Endpoints()
	if len(endpoints) != 3 {
		t.Fatalf("Expected 3 endpoints, got: %d", len(endpoints))
	}
	want := map[string]string{
		EndpointServer:  memory.Address("t-abc123-server") + ":7233",
		EndpointWeb:     "http://" + memory.Address("t-abc123-web") + ":8088",
		EndpointStarter: "http://" + memory.Address("t-abc123-worker") + ":8080/async?name=",
	}
	for key, expected := range want {
		ep, ok := endpoints[key]
		if !ok {
			t.Errorf("Missing endpoint %s", key)
			continue
		}
		if got, _ := await(t, ep); got != expected {
			t.Errorf("Expected %s=%s, got: %s", key, expected, got)
		}
	}

	if got := len(env.rec.Kind(azure.KindContainerGroup)); got != 3 {
		t.Errorf("Expected 3 container groups, got: %d", got)
	}
	for _, kind := range []engine.ResourceKind{kube.KindDeployment, kube.KindService, kube.KindSecret, kube.KindNamespace, azure.KindRoleAssignment} {
		if calls := env.rec.Kind(kind); len(calls) != 0 {
			t.Errorf("Expected no %s requests in standalone mode, got: %d", kind, len(calls))
		}
	}
	if p.Objects != nil || p.Binding != nil {
		t.Error("Expected no cluster objects")
	}

	server, _ := env.rec.Find(azure.KindContainerGroup, "temporal-server")
	if !server.Secret {
		t.Error("Expected the server request to be secret")
	}
	if got := server.Properties.String("properties.containers.0.properties.environmentVariables.4.secureValue"); got != "s3cret!" {
		t.Errorf("Expected the password as a secure value, got: %v", server.Properties)
	}

	if stage, _ := await(t, p.Stage()); stage != StageEndpointsPublished {
		t.Errorf("Expected %s, got: %s", StageEndpointsPublished, stage)
	}
}

func TestCompose_StandalonePlaintextEnv(t *testing.T) {
	env := newTestEnv(t, nil)
	args := composeArgs(t, StandaloneCompute{}, "")
	args.Options.PlaintextSecretEnv = true

	if _, err := Compose(env.d, "temporal", args); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if err := env.wait(t); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	server, _ := env.rec.Find(azure.KindContainerGroup, "temporal-server")
	if got := server.Properties.String("properties.containers.0.properties.environmentVariables.4.value"); got != "s3cret!" {
		t.Errorf("Expected the password as a plain value, got: %v", server.Properties)
	}
}

func TestCompose_Cluster(t *testing.T) {
	env := newTestEnv(t, nil)

	p, err := Compose(env.d, "temporal", composeArgs(t, testClusterCompute(), "temporal"))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if err := env.wait(t); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	endpoints := p.Endpoints()
	if len(endpoints) != 2 {
		t.Fatalf("Expected 2 endpoints, got: %d", len(endpoints))
	}
	if _, ok := endpoints[EndpointServer]; ok {
		t.Error("The server endpoint must not be published on a cluster")
	}
	if got, _ := await(t, endpoints[EndpointWeb]); got != "http://"+memory.Address("temporal/temporal-web")+":8088" {
		t.Errorf("Unexpected web endpoint: %s", got)
	}
	if got, _ := await(t, endpoints[EndpointStarter]); got != "http://"+memory.Address("temporal/temporal-app")+":8080/async?name=" {
		t.Errorf("Unexpected starter endpoint: %s", got)
	}

	if calls := env.rec.Kind(azure.KindContainerGroup); len(calls) != 0 {
		t.Errorf("Expected no container groups on a cluster, got: %d", len(calls))
	}

	ns, ok := env.rec.Find(kube.KindNamespace, "temporal")
	if !ok {
		t.Fatal("Expected the namespace to be created")
	}
	if ns.Properties.String("manifest.metadata.name") != "temporal" {
		t.Errorf("Unexpected namespace manifest: %v", ns.Properties)
	}
	nsLabels, _ := ns.Properties.Get("manifest.metadata.labels")
	if m, _ := nsLabels.(map[string]any); len(m) != 2 || m["app.kubernetes.io/name"] != "temporal" || m["app.kubernetes.io/part-of"] != "temporal" {
		t.Errorf("Expected only the name and part-of labels on the namespace, got: %v", nsLabels)
	}

	for _, kind := range []engine.ResourceKind{kube.KindSecret, kube.KindDeployment, kube.KindService} {
		for _, call := range env.rec.Kind(kind) {
			if got := call.Properties.String("manifest.metadata.namespace"); got != "temporal" {
				t.Errorf("Expected %s %s in namespace temporal, got: %q", kind, call.Name, got)
			}
			labels, _ := call.Properties.Get("manifest.metadata.labels")
			m, _ := labels.(map[string]any)
			for _, key := range []string{"app.kubernetes.io/name", "app.kubernetes.io/version", "app.kubernetes.io/component", "app.kubernetes.io/part-of"} {
				if _, ok := m[key]; !ok {
					t.Errorf("Expected label %s on %s %s", key, kind, call.Name)
				}
			}
			if call.Properties.String("kubeconfig") != memory.Kubeconfig("t-abc123-aks") {
				t.Errorf("Expected the cluster kubeconfig on %s", call.Name)
			}
			if !call.Secret {
				t.Errorf("Expected %s %s to be a secret request", kind, call.Name)
			}
		}
	}

	secret, ok := env.rec.Find(kube.KindSecret, StoreSecretName)
	if !ok {
		t.Fatal("Expected the store secret")
	}
	encoded := secret.Properties.String("manifest.data.password")
	if raw, err := base64.StdEncoding.DecodeString(encoded); err != nil || string(raw) != "s3cret!" {
		t.Errorf("Expected the base64 password in the secret, got: %q", encoded)
	}
	if secret.Properties.String("manifest.type") != "Opaque" {
		t.Errorf("Expected an Opaque secret, got: %v", secret.Properties)
	}

	worker, _ := env.rec.Find(kube.KindDeployment, WorkerName)
	container := "manifest.spec.template.spec.containers.0."
	if got := worker.Properties.String(container + "image"); got != "temporalio/auto-setup:0.29.0" {
		t.Errorf("Unexpected worker image: %s", got)
	}
	envVars, _ := worker.Properties.Get(container + "env")
	list, _ := envVars.([]any)
	if len(list) != 5 {
		t.Fatalf("Expected 5 worker variables, got: %v", envVars)
	}
	pwd, _ := list[4].(map[string]any)
	if pwd["name"] != "MYSQL_PWD" || pwd["value"] != nil {
		t.Errorf("Expected MYSQL_PWD without a plain value, got: %v", pwd)
	}
	if got := engine.Properties(pwd).String("valueFrom.secretKeyRef.name"); got != StoreSecretName {
		t.Errorf("Expected a secret reference, got: %v", pwd)
	}
	if got := worker.Properties.String(container + "ports.0.name"); got != "rpc" {
		t.Errorf("Expected the rpc port, got: %s", got)
	}

	headless, _ := env.rec.Find(kube.KindService, WorkerName)
	if got := headless.Properties.String("manifest.spec.clusterIP"); got != "None" {
		t.Errorf("Expected a headless worker service, got: %v", headless.Properties)
	}

	web, _ := env.rec.Find(kube.KindDeployment, WebName)
	if got := web.Properties.String(container + "env.0.value"); got != "temporal-worker.temporal.svc.cluster.local:7233" {
		t.Errorf("Unexpected web grpc endpoint: %s", got)
	}

	app, _ := env.rec.Find(kube.KindDeployment, AppName)
	if got := app.Properties.String(container + "image"); !strings.HasPrefix(got, "tabc123.azurecr.io/temporal-worker@sha256:") {
		t.Errorf("Expected the pushed image on the app, got: %s", got)
	}
	if got := app.Properties.String(container + "ports.0.containerPort"); got != "8080" {
		t.Errorf("Expected the app port, got: %s", got)
	}

	binding, ok := env.rec.Find(azure.KindRoleAssignment, "temporal-acr-pull")
	if !ok {
		t.Fatal("Expected the registry role assignment")
	}
	if got := binding.Properties.String("properties.principalId"); got != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("Expected the workload identity as principal, got: %s", got)
	}
	if !strings.HasSuffix(binding.Properties.String("properties.roleDefinitionId"), components.RoleAcrPull) {
		t.Errorf("Expected the AcrPull role, got: %v", binding.Properties)
	}

	order := map[string]int{}
	for i, c := range env.rec.Applies() {
		order[string(c.Kind)+"/"+c.Name] = i
	}
	if order[string(azure.KindRoleAssignment)+"/temporal-acr-pull"] > order[string(kube.KindDeployment)+"/"+AppName] {
		t.Error("Expected the role assignment before the app deployment")
	}
	if order[string(kube.KindNamespace)+"/temporal"] > order[string(kube.KindSecret)+"/"+StoreSecretName] {
		t.Error("Expected the namespace before the secret")
	}
	if order[string(kube.KindDeployment)+"/"+WorkerName] > order[string(kube.KindService)+"/"+WorkerName] {
		t.Error("Expected the worker deployment before its service")
	}

	for _, req := range env.d.Requests() {
		if req.Kind != kube.KindDeployment || req.Name != WebName {
			continue
		}
		for _, urn := range req.DependsOn {
			if urn == engine.URN("dev", kube.KindService, WorkerName) {
				t.Error("Expected the web deployment not to wait for the worker service")
			}
		}
	}

	if stage, _ := await(t, p.Stage()); stage != StageEndpointsPublished {
		t.Errorf("Expected %s, got: %s", StageEndpointsPublished, stage)
	}
}

func TestCompose_ClusterDefaultNamespace(t *testing.T) {
	env := newTestEnv(t, nil)

	p, err := Compose(env.d, "temporal", composeArgs(t, testClusterCompute(), ""))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if err := env.wait(t); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if calls := env.rec.Kind(kube.KindNamespace); len(calls) != 0 {
		t.Errorf("Expected no namespace request for default, got: %d", len(calls))
	}
	if p.Objects.Namespace != nil {
		t.Error("Expected no namespace resource")
	}
	for _, call := range env.rec.Kind(kube.KindDeployment) {
		if got := call.Properties.String("manifest.metadata.namespace"); got != "default" {
			t.Errorf("Expected %s in default, got: %q", call.Name, got)
		}
	}
	if got, _ := await(t, p.Endpoints()[EndpointWeb]); got != "http://"+memory.Address("default/temporal-web")+":8088" {
		t.Errorf("Unexpected web endpoint: %s", got)
	}
}

func TestCompose_ClusterNeedsSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	args := composeArgs(t, testClusterCompute(), "temporal")
	args.SubscriptionID = ""

	if _, err := Compose(env.d, "temporal", args); err == nil {
		t.Fatal("Expected an error without a subscription")
	}
	if err := env.wait(t); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if calls := env.rec.Calls(); len(calls) != 0 {
		t.Errorf("Expected no provider calls, got: %d", len(calls))
	}
}

func TestCompose_BuildFailure(t *testing.T) {
	for _, compute := range []ComputeDescriptor{StandaloneCompute{}, testClusterCompute()} {
		t.Run(compute.Variant(), func(t *testing.T) {
			env := newTestEnv(t, nil)
			args := composeArgs(t, compute, "temporal")
			args.App.Folder = filepath.Join(t.TempDir(), "missing")

			p, err := Compose(env.d, "temporal", args)
			if code := engine.ErrorCode(err); code != engine.ErrCodeBuildFailed {
				t.Fatalf("Expected %s, got: %v", engine.ErrCodeBuildFailed, err)
			}
			if p == nil || p.Registry == nil {
				t.Fatal("Expected the partial platform with its registry")
			}
			if err := env.wait(t); err != nil {
				t.Fatalf("Wait failed: %v", err)
			}

			if _, ok := env.rec.Find(azure.KindRegistry, "temporal-registry"); !ok {
				t.Error("Expected the registry to be created")
			}
			for _, kind := range []engine.ResourceKind{docker.KindImage, azure.KindContainerGroup, kube.KindDeployment, kube.KindService, azure.KindRoleAssignment} {
				if calls := env.rec.Kind(kind); len(calls) != 0 {
					t.Errorf("Expected no %s requests after a build failure, got: %d", kind, len(calls))
				}
			}
			if len(p.Endpoints()) != 0 {
				t.Errorf("Expected no endpoints, got: %d", len(p.Endpoints()))
			}
			if stage, _ := await(t, p.Stage()); stage != StageStorageReady {
				t.Errorf("Expected %s, got: %s", StageStorageReady, stage)
			}
		})
	}
}

func TestCompose_StageStopsAtFailure(t *testing.T) {
	env := newTestEnv(t, map[string]error{
		"temporal-web": errors.New("quota exceeded"),
	})

	p, err := Compose(env.d, "temporal", composeArgs(t, StandaloneCompute{}, ""))
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if err := env.wait(t); err == nil {
		t.Fatal("Expected the deployment to fail")
	}

	if stage, _ := await(t, p.Stage()); stage != StageRegistryReady {
		t.Errorf("Expected %s, got: %s", StageRegistryReady, stage)
	}
	if _, err := p.Endpoints()[EndpointWeb].Await(context.Background()); err == nil {
		t.Error("Expected the web endpoint to fail")
	}
	if got, _ := await(t, p.Endpoints()[EndpointServer]); got == "" {
		t.Error("Expected the server endpoint to resolve")
	}
}

func TestStageString(t *testing.T) {
	stages := []Stage{StageStart, StageStorageReady, StageRegistryReady, StageComputeDeployed, StageEndpointsPublished}
	names := []string{"Start", "StorageReady", "RegistryReady", "ComputeDeployed", "EndpointsPublished"}
	for i, s := range stages {
		if s.String() != names[i] {
			t.Errorf("Expected %s, got: %s", names[i], s)
		}
	}
	if Stage(42).String() != "Unknown" {
		t.Errorf("Expected Unknown, got: %s", Stage(42))
	}
}
