package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/tstack/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func firewallRequest(start, end string) *engine.Request {
	kind := engine.ResourceKind("azure:dbformysql:FirewallRule")
	return &engine.Request{
		URN:  engine.URN("dev", kind, "mysql-firewall"),
		Kind: kind,
		Name: "mysql-firewall",
		Properties: engine.Properties{
			"resourceGroupName": "dev-rg",
			"serverName":        "dev-mysql",
			"firewallRuleName":  "allow-all",
			"properties": map[string]any{
				"startIpAddress": start,
				"endIpAddress":   end,
			},
		},
	}
}

func containerRequest(env ...map[string]any) *engine.Request {
	kind := engine.ResourceKind("azure:containerinstance:ContainerGroup")
	vars := make([]any, len(env))
	for i, e := range env {
		vars[i] = e
	}
	return &engine.Request{
		URN:  engine.URN("dev", kind, "temporal-server"),
		Kind: kind,
		Name: "temporal-server",
		Properties: engine.Properties{
			"containerGroupName": "temporal-server",
			"properties": map[string]any{
				"containers": []any{
					map[string]any{
						"name": "temporal-server",
						"properties": map[string]any{
							"image":                "temporalio/server:0.29.0",
							"environmentVariables": vars,
						},
					},
				},
			},
		},
	}
}

func violationsOf(result *engine.PolicyResult, policy string) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"allow-all-firewall",
		"kubernetes-labels",
		"plaintext-secret-env",
		"registry-admin-user",
		"resource-naming",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluateRequest_AllowAllFirewall(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluateRequest(context.Background(), firewallRequest("0.0.0.0", "255.255.255.255"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !result.Allowed {
		t.Fatalf("Expected warning not to block, got: %+v", result.Violations)
	}
	found := violationsOf(result, "allow-all-firewall")
	if len(found) != 1 {
		t.Fatalf("Expected 1 firewall violation, got: %+v", result.Violations)
	}
	if found[0].Severity != string(SeverityWarning) {
		t.Errorf("Expected severity warning, got: %s", found[0].Severity)
	}
	if found[0].ResourceID != "urn:dev:azure:dbformysql:FirewallRule::mysql-firewall" {
		t.Errorf("Unexpected resource id: %s", found[0].ResourceID)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Expected 1 warning, got: %v", result.Warnings)
	}

	narrow, err := eng.EvaluateRequest(context.Background(), firewallRequest("10.0.0.0", "10.0.0.255"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(narrow.Violations) != 0 {
		t.Errorf("Expected no violations for a narrow range, got: %+v", narrow.Violations)
	}
}

func TestEvaluateRequest_EnforceBlocksWarnings(t *testing.T) {
	eng := newTestEngine(t, WithEnforce(true), WithStack("dev"))

	if !eng.Enforcing() {
		t.Fatal("Expected engine to enforce")
	}

	result, err := eng.EvaluateRequest(context.Background(), firewallRequest("0.0.0.0", "255.255.255.255"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if result.Allowed {
		t.Fatal("Expected enforced warning to block")
	}
	found := violationsOf(result, "allow-all-firewall")
	if len(found) != 1 || found[0].Severity != string(SeverityError) {
		t.Fatalf("Expected 1 error violation, got: %+v", result.Violations)
	}
}

func TestEvaluateRequest_PlaintextSecretEnv(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		env    []map[string]any
		expect int
	}{
		{
			name: "plain password",
			env: []map[string]any{
				{"name": "MYSQL_USER", "value": "temporal"},
				{"name": "MYSQL_PWD", "value": "hunter2"},
			},
			expect: 1,
		},
		{
			name: "secure password",
			env: []map[string]any{
				{"name": "MYSQL_USER", "value": "temporal"},
				{"name": "MYSQL_PWD", "secureValue": "hunter2"},
			},
			expect: 0,
		},
		{
			name:   "no secrets",
			env:    []map[string]any{{"name": "DB", "value": "mysql"}},
			expect: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateRequest(context.Background(), containerRequest(tt.env...))
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			found := violationsOf(result, "plaintext-secret-env")
			if len(found) != tt.expect {
				t.Errorf("Expected %d violations, got: %+v", tt.expect, found)
			}
			if !result.Allowed {
				t.Error("Expected request to be allowed")
			}
		})
	}
}

func TestEvaluateRequest_NamingPolicy(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		resourceName  string
		expectAllowed bool
	}{
		{name: "valid name", resourceName: "temporal-web", expectAllowed: true},
		{name: "uppercase", resourceName: "Temporal-Web", expectAllowed: false},
		{name: "underscore", resourceName: "temporal_web", expectAllowed: false},
		{name: "trailing hyphen", resourceName: "temporal-", expectAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := engine.ResourceKind("local:random:RandomString")
			req := &engine.Request{
				URN:        engine.URN("dev", kind, tt.resourceName),
				Kind:       kind,
				Name:       tt.resourceName,
				Properties: engine.Properties{"length": 12},
			}

			result, err := eng.EvaluateRequest(context.Background(), req)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v: %+v", tt.expectAllowed, result.Allowed, result.Violations)
			}
		})
	}
}

func TestEvaluateRequest_KubernetesLabels(t *testing.T) {
	eng := newTestEngine(t)

	kind := engine.ResourceKind("kubernetes:apps/v1:Deployment")
	req := &engine.Request{
		URN:  engine.URN("dev", kind, "temporal-worker"),
		Kind: kind,
		Name: "temporal-worker",
		Properties: engine.Properties{
			"manifest": map[string]any{
				"metadata": map[string]any{
					"name": "temporal-worker",
					"labels": map[string]any{
						"app.kubernetes.io/name":    "temporal-worker",
						"app.kubernetes.io/part-of": "dev",
					},
				},
			},
		},
	}

	result, err := eng.EvaluateRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	found := violationsOf(result, "kubernetes-labels")
	if len(found) != 1 {
		t.Fatalf("Expected 1 missing label, got: %+v", found)
	}
	if found[0].Message != "temporal-worker is missing label app.kubernetes.io/component" {
		t.Errorf("Unexpected message: %s", found[0].Message)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	policyName := "allow-all-firewall"
	if err := eng.DisablePolicy(policyName); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Policy should be disabled")
	}

	result, err := eng.EvaluateRequest(context.Background(), firewallRequest("0.0.0.0", "255.255.255.255"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(violationsOf(result, policyName)) != 0 {
		t.Error("Disabled policy should not generate violations")
	}

	if err := eng.EnablePolicy(policyName); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name:    "no-random",
		Enabled: true,
		Rego: `package custom.norandom

import rego.v1

deny contains "random resources are not allowed" if {
	startswith(input.request.kind, "local:random:")
}
`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	kind := engine.ResourceKind("local:random:RandomPassword")
	result, err := eng.EvaluateRequest(context.Background(), &engine.Request{
		URN:  engine.URN("dev", kind, "mysql-password"),
		Kind: kind,
		Name: "mysql-password",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if result.Allowed {
		t.Fatal("Expected custom deny to block")
	}
	found := violationsOf(result, "no-random")
	if len(found) != 1 || found[0].Message != "random resources are not allowed" {
		t.Fatalf("Unexpected violations: %+v", result.Violations)
	}
	if found[0].ResourceID != "urn:dev:local:random:RandomPassword::mysql-password" {
		t.Errorf("Expected resource id to default to the request URN, got: %s", found[0].ResourceID)
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {"})
	if err == nil {
		t.Fatal("Expected error for invalid rego")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Expected broken policy not to be stored")
	}
}

func TestLoadPoliciesAndReload(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "custom.rego")
	writePolicy(t, path, `package custom.fromfile

import rego.v1

warn contains "loaded from file" if {
	input.context.stack == ""
}
`)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err != nil {
		t.Fatalf("Expected custom policy to be loaded: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}
	if err := eng.Reload(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("Expected removed policy to be dropped on reload")
	}
	if _, err := eng.GetPolicy("resource-naming"); err != nil {
		t.Errorf("Expected built-ins to survive reload: %v", err)
	}
}

func TestEvaluateRequests(t *testing.T) {
	eng := newTestEngine(t)

	reqs := []*engine.Request{
		firewallRequest("0.0.0.0", "255.255.255.255"),
		containerRequest(map[string]any{"name": "MYSQL_PWD", "value": "x"}),
		{URN: "urn:dev:local:random:RandomString::Bad_Name", Kind: "local:random:RandomString", Name: "Bad_Name"},
	}

	report, err := eng.EvaluateRequests(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if report.Allowed {
		t.Error("Expected report to be blocked")
	}
	if report.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", report.Requests)
	}
	if report.Blocked != 1 {
		t.Errorf("Expected 1 blocked request, got %d", report.Blocked)
	}
	if len(report.Violations) != 3 {
		t.Errorf("Expected 3 violations, got: %+v", report.Violations)
	}
}
