package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile error is a programming error.
	if err := sr.RegisterSchema("stack", builtinStackSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema registers a CUE schema with the given name. When the
// schema declares a definition named after the schema (#Stack for "stack"),
// validation unifies data with that definition, which closes it.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if def := val.LookupPath(cue.ParsePath(definitionName(name))); def.Exists() {
		val = def
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ValidateStack validates a decoded stack configuration.
func (sr *SchemaRegistry) ValidateStack(ctx context.Context, cfg *StackConfig) error {
	return sr.ValidateAgainstSchema(ctx, "stack", cfg)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

// builtinStackSchema mirrors StackConfig. Defaults here must match Default.
const builtinStackSchema = `
#Stack: {
	// Stack names scope URNs and derived Azure names
	name: string & =~"^[a-z][a-z0-9-]{0,39}$"

	substrate: *"standalone" | "cluster"
	location:  *"westeurope" | (string & !="")

	subscriptionId: *"" | =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"

	temporal: {
		version: *"0.29.0" | =~"^[0-9]+\\.[0-9]+\\.[0-9]+$"
	}

	datastore: {
		engine:           *"mysql" | "mysql"
		adminLogin:       *"temporal" | =~"^[a-zA-Z][a-zA-Z0-9]{0,15}$"
		allowAllFirewall: *true | bool
	}

	compute: {
		plaintextSecretEnv: *true | bool
		cluster: {
			kubernetesVersion: *"1.16.13" | =~"^[0-9]+\\.[0-9]+\\.[0-9]+$"
			vmSize:            *"Standard_DS2_v2" | (string & !="")
			vmCount:           *3 | (int & >=1 & <=100)
		}
	}

	app: {
		folder:    *"./workflow" | (string & !="")
		port:      *8080 | (int & >=1 & <=65535)
		namespace: *"default" | =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	}

	engine: {
		parallelism: *10 | (int & >=1 & <=64)
		statePath:   *".tstack/state.db" | (string & !="")
	}

	policy: {
		enforce: *false | bool
		dir:     *"" | string
	}

	telemetry: {
		logLevel:       *"info" | "trace" | "debug" | "warn" | "error"
		logFormat:      *"console" | "json"
		traceExporter:  *"none" | "otlp" | "stdout"
		traceEndpoint:  *"" | string
		metricsAddress: *"" | string
	}
}
`
