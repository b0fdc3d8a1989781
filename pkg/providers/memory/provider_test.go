package memory

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/kube"
	"github.com/openfroyo/tstack/pkg/providers/local"
)

func apply(t *testing.T, p *Provider, kind engine.ResourceKind, name string, props engine.Properties) *engine.ApplyResponse {
	t.Helper()
	resp, err := p.Apply(context.Background(), &engine.ApplyRequest{
		Request: &engine.Request{
			URN:        engine.URN("dev", kind, name),
			Kind:       kind,
			Name:       name,
			Properties: props,
		},
		Operation: engine.OperationCreate,
	})
	if err != nil {
		t.Fatalf("Apply %s failed: %v", name, err)
	}
	return resp
}

func TestMySQLServerOutputs(t *testing.T) {
	p := New("azure", nil)
	resp := apply(t, p, azure.KindMySQLServer, "mysql", engine.Properties{
		"resourceGroupName": "t-abc123",
		"serverName":        "t-abc123-mysql",
		"properties": map[string]any{
			"administratorLogin":         "mikhail",
			"administratorLoginPassword": "hunter2",
		},
	})

	if got := resp.Outputs.String("properties.fullyQualifiedDomainName"); got != "t-abc123-mysql.mysql.database.azure.com" {
		t.Errorf("Unexpected FQDN: %s", got)
	}
	if _, ok := resp.Outputs.Get("properties.administratorLoginPassword"); ok {
		t.Error("Password input must not be echoed")
	}
	if !strings.HasSuffix(resp.ID, "/servers/t-abc123-mysql") {
		t.Errorf("Unexpected ID: %s", resp.ID)
	}
}

func TestContainerGroupAddressIsDeterministic(t *testing.T) {
	p := New("azure", nil)
	props := engine.Properties{"resourceGroupName": "rg", "containerGroupName": "rg-server"}
	first := apply(t, p, azure.KindContainerGroup, "server", props)
	second := apply(t, p, azure.KindContainerGroup, "server", props)

	ip := first.Outputs.String("properties.ipAddress.ip")
	if ip != Address("rg-server") {
		t.Errorf("Expected %s, got: %s", Address("rg-server"), ip)
	}
	if second.Outputs.String("properties.ipAddress.ip") != ip {
		t.Error("Expected the same address for the same request")
	}
}

func TestManagedClusterKubeletIdentity(t *testing.T) {
	p := New("azure", nil)
	resp := apply(t, p, azure.KindManagedCluster, "aks", engine.Properties{
		"resourceGroupName": "rg",
		"resourceName":      "rg-aks",
	})
	if got := resp.Outputs.String("properties.identityProfile.kubeletidentity.objectId"); got != ObjectID("rg-aks-kubelet") {
		t.Errorf("Unexpected kubelet identity: %s", got)
	}
}

func TestServicePrincipalPasswordIsSecret(t *testing.T) {
	p := New("azuread", nil)
	resp := apply(t, p, azure.KindServicePrincipalPassword, "sp-password", engine.Properties{
		"servicePrincipalId": "sp-1",
		"endDate":            "2099-01-01T00:00:00Z",
	})
	if len(resp.SecretOutputs) != 1 || resp.SecretOutputs[0] != "value" {
		t.Errorf("Expected value to be secret, got: %v", resp.SecretOutputs)
	}
	if resp.Outputs.String("value") == "" {
		t.Error("Expected a password value")
	}
}

func TestLoadBalancerServiceGetsIngress(t *testing.T) {
	p := New("kubernetes", nil)
	resp := apply(t, p, kube.KindService, "web-svc", engine.Properties{
		"kubeconfig": "apiVersion: v1",
		"manifest": map[string]any{
			"apiVersion": "v1",
			"kind":       "Service",
			"metadata":   map[string]any{"name": "temporal-web", "namespace": "temporal"},
			"spec":       map[string]any{"type": "LoadBalancer"},
		},
	})
	if got := resp.Outputs.String("status.loadBalancer.ingress.0.ip"); got != Address("temporal/temporal-web") {
		t.Errorf("Unexpected ingress: %s", got)
	}
	if resp.ID != "temporal/temporal-web" {
		t.Errorf("Unexpected ID: %s", resp.ID)
	}
}

func TestSecretObjectDropsData(t *testing.T) {
	p := New("kubernetes", nil)
	resp := apply(t, p, kube.KindSecret, "store", engine.Properties{
		"kubeconfig": "apiVersion: v1",
		"manifest": map[string]any{
			"apiVersion": "v1",
			"kind":       "Secret",
			"metadata":   map[string]any{"name": "temporal-default-store"},
			"type":       "Opaque",
			"stringData": map[string]any{"password": "hunter2"},
		},
	})
	if _, ok := resp.Outputs["stringData"]; ok {
		t.Error("Secret data must not be echoed")
	}
	if resp.ID != "default/temporal-default-store" {
		t.Errorf("Unexpected ID: %s", resp.ID)
	}
}

func TestRandomString(t *testing.T) {
	p := New("local", nil)
	resp := apply(t, p, local.KindRandomString, "rg-suffix", engine.Properties{
		"length": 6, "special": false, "upper": false,
	})
	s := resp.Outputs.String("result")
	if len(s) != 6 || strings.ToLower(s) != s {
		t.Errorf("Expected 6 lowercase characters, got: %q", s)
	}
}

func TestInvokeCredentials(t *testing.T) {
	p := New("azure", nil)

	creds, err := p.Invoke(context.Background(), &engine.InvokeRequest{
		Function: azure.FnListRegistryCredentials,
		Args:     engine.Properties{"resourceGroupName": "rg", "registryName": "trgacr"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !creds.Secret || creds.Result.String("passwords.0.value") != RegistryPassword("trgacr") {
		t.Errorf("Unexpected registry credentials: %+v", creds)
	}

	kc, err := p.Invoke(context.Background(), &engine.InvokeRequest{
		Function: azure.FnListManagedClusterUserCredentials,
		Args:     engine.Properties{"resourceGroupName": "rg", "resourceName": "rg-aks"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(kc.Result.String("kubeconfigs.0.value"))
	if err != nil {
		t.Fatalf("kubeconfig is not base64: %v", err)
	}
	if string(raw) != Kubeconfig("rg-aks") {
		t.Errorf("Unexpected kubeconfig: %s", raw)
	}
}

func TestFailOn(t *testing.T) {
	rec := NewRecorder()
	p := New("docker", rec)
	want := engine.NewBuildFailedError("build failed", nil)
	p.FailOn("docker:image:Image", want)

	_, err := p.Apply(context.Background(), &engine.ApplyRequest{
		Request: &engine.Request{Kind: "docker:image:Image", Name: "worker-image"},
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected injected failure, got: %v", err)
	}
	if len(rec.Applies()) != 1 {
		t.Errorf("Expected failed call to be recorded, got: %d", len(rec.Applies()))
	}
}

func TestRegistrySharesRecorder(t *testing.T) {
	rec := NewRecorder()
	reg := Registry(rec)

	if got := reg.Names(); len(got) != len(Packages) {
		t.Fatalf("Expected %d providers, got: %v", len(Packages), got)
	}
	for _, kind := range []engine.ResourceKind{azure.KindResourceGroup, local.KindRandomUUID} {
		p, err := reg.Lookup(kind)
		if err != nil {
			t.Fatalf("Lookup %s failed: %v", kind, err)
		}
		apply(t, p.(*Provider), kind, "x", engine.Properties{"resourceGroupName": "rg"})
	}
	if len(rec.Applies()) != 2 {
		t.Errorf("Expected 2 applies, got: %d", len(rec.Applies()))
	}

	rec.Reset()
	if len(rec.Calls()) != 0 {
		t.Error("Expected reset to clear calls")
	}
}

func TestUnsupportedKind(t *testing.T) {
	p := New("azure", nil)
	_, err := p.Apply(context.Background(), &engine.ApplyRequest{
		Request: &engine.Request{Kind: "azure:network:VirtualNetwork", Name: "vnet"},
	})
	if code := engine.ErrorCode(err); code != engine.ErrCodeValidation {
		t.Errorf("Expected %s, got: %s", engine.ErrCodeValidation, code)
	}
}
