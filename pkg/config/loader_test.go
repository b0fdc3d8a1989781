package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/tstack/pkg/telemetry"
)

func writeStack(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write stack file: %v", err)
	}
	return path
}

func noEnv(string) string { return "" }

func TestLoader_LoadYAML(t *testing.T) {
	path := writeStack(t, "tstack.yaml", `
name: temporal-aks
substrate: cluster
location: northeurope
datastore:
  adminLogin: mikhail
app:
  folder: ./workflow
  port: 9090
  namespace: temporal
engine:
  parallelism: 4
`)

	cfg, err := NewLoader().WithEnv(noEnv).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Substrate != SubstrateCluster || cfg.Location != "northeurope" {
		t.Errorf("unexpected stack: %+v", cfg)
	}
	if cfg.Datastore.AdminLogin != "mikhail" {
		t.Errorf("expected admin login mikhail, got %s", cfg.Datastore.AdminLogin)
	}
	// Untouched keys keep their defaults
	if !cfg.Datastore.AllowAllFirewall || cfg.Datastore.Engine != "mysql" {
		t.Errorf("expected datastore defaults, got %+v", cfg.Datastore)
	}
	if cfg.Compute.Cluster.VMSize != "Standard_DS2_v2" {
		t.Errorf("expected default vm size, got %s", cfg.Compute.Cluster.VMSize)
	}
	if cfg.App.Port != 9090 || cfg.Engine.Parallelism != 4 {
		t.Errorf("unexpected overrides: app=%+v engine=%+v", cfg.App, cfg.Engine)
	}
}

func TestLoader_LoadCUE(t *testing.T) {
	path := writeStack(t, "tstack.cue", `
name:      "temporal-aci"
substrate: "standalone"
`)

	cfg, err := NewLoader().WithEnv(noEnv).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Name != "temporal-aci" || !cfg.Compute.PlaintextSecretEnv {
		t.Errorf("unexpected stack: %+v", cfg)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeStack(t, "tstack.yaml", "name: temporal-aci\n")
	env := map[string]string{
		EnvSubscriptionID: "0b1f6471-1bf0-4dda-aec3-cb9272f09590",
		EnvPassphrase:     "s3cret",
	}

	cfg, err := NewLoader().WithEnv(func(k string) string { return env[k] }).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.SubscriptionID != env[EnvSubscriptionID] {
		t.Errorf("expected subscription from env, got %s", cfg.SubscriptionID)
	}
	if cfg.Passphrase != "s3cret" {
		t.Error("expected passphrase from env")
	}
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{"missing name", "substrate: standalone\n", "name"},
		{"bad substrate", "name: x\nsubstrate: fargate\n", "substrate"},
		{"bad port", "name: x\napp:\n  port: 0\n", "app.port"},
		{"bad parallelism", "name: x\nengine:\n  parallelism: 0\n", "engine.parallelism"},
		{"otlp without endpoint", "name: x\ntelemetry:\n  traceExporter: otlp\n", "telemetry.traceEndpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeStack(t, "tstack.yaml", tt.content)
			_, err := NewLoader().WithEnv(noEnv).Load(context.Background(), path)

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got: %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Path == tt.path {
					found = true
				}
			}
			if !found {
				t.Errorf("expected an error on %s, got: %v", tt.path, verrs)
			}
		})
	}
}

func TestLoader_UnknownKey(t *testing.T) {
	path := writeStack(t, "tstack.yaml", "name: x\nregion: westeurope\n")
	_, err := NewLoader().WithEnv(noEnv).Load(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "region") {
		t.Errorf("expected unknown key error, got: %v", err)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got: %v", err)
	}
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Name = "temporal-aci"
	cfg.Passphrase = "never-written"

	data, err := MarshalYAML(cfg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if strings.Contains(string(data), "never-written") {
		t.Error("passphrase must not be written to the stack file")
	}

	back, err := NewLoader().ParseYAML(data)
	if err != nil {
		t.Fatalf("failed to parse marshalled stack: %v", err)
	}
	if back.Name != "temporal-aci" || back.Compute.Cluster.VMCount != 3 {
		t.Errorf("unexpected round trip: %+v", back)
	}
}

func TestTelemetryConfig_ApplyTo(t *testing.T) {
	tc := TelemetryConfig{
		LogLevel:       "debug",
		LogFormat:      "json",
		TraceExporter:  "otlp",
		TraceEndpoint:  "localhost:4317",
		MetricsAddress: ":9090",
	}

	cfg := telemetry.DefaultConfig()
	tc.ApplyTo(cfg)

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "localhost:4317" {
		t.Errorf("unexpected tracing: %+v", cfg.Tracing)
	}
	if cfg.Metrics.ListenAddress != ":9090" {
		t.Errorf("unexpected metrics address: %s", cfg.Metrics.ListenAddress)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid telemetry config, got: %v", err)
	}
}
