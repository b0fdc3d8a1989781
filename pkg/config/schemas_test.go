package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Healthcheck: {
	path: string
	port: int
}
`

	if err := sr.RegisterSchema("healthcheck", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	if _, ok := sr.GetSchema("healthcheck"); !ok {
		t.Fatal("expected to find healthcheck schema")
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "healthcheck", map[string]interface{}{"path": "/healthz", "port": 8080}); err != nil {
		t.Errorf("expected valid healthcheck, got: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "healthcheck", map[string]interface{}{"path": "/healthz", "port": "http"}); err == nil {
		t.Error("expected type error for string port")
	}
	// Definitions are closed
	if err := sr.ValidateAgainstSchema(ctx, "healthcheck", map[string]interface{}{"path": "/", "port": 1, "extra": true}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Error("expected compile error for broken schema")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	names := sr.ListSchemas()
	if len(names) != 1 || names[0] != "stack" {
		t.Errorf("expected [stack], got %v", names)
	}
}

func TestSchemaRegistry_ValidateStack(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*StackConfig)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(c *StackConfig) {},
			wantErr: false,
		},
		{
			name:    "cluster substrate",
			mutate:  func(c *StackConfig) { c.Substrate = SubstrateCluster; c.App.Namespace = "temporal" },
			wantErr: false,
		},
		{
			name:    "uppercase stack name",
			mutate:  func(c *StackConfig) { c.Name = "Temporal" },
			wantErr: true,
		},
		{
			name:    "unknown substrate",
			mutate:  func(c *StackConfig) { c.Substrate = "fargate" },
			wantErr: true,
		},
		{
			name:    "invalid namespace",
			mutate:  func(c *StackConfig) { c.App.Namespace = "Temporal_NS" },
			wantErr: true,
		},
		{
			name:    "invalid kubernetes version",
			mutate:  func(c *StackConfig) { c.Compute.Cluster.KubernetesVersion = "latest" },
			wantErr: true,
		},
		{
			name:    "malformed subscription",
			mutate:  func(c *StackConfig) { c.SubscriptionID = "not-a-subscription" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Name = "temporal-aci"
			tt.mutate(cfg)

			err := sr.ValidateStack(ctx, cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStack() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
