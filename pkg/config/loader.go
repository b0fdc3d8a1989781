package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvSubscriptionID = "TSTACK_SUBSCRIPTION_ID"
	EnvPassphrase     = "TSTACK_PASSPHRASE"
)

// DefaultStackFile is the stack file looked up in the working directory.
const DefaultStackFile = "tstack.yaml"

// Loader reads and validates stack files.
type Loader struct {
	schemas   *SchemaRegistry
	cue       *CUEParser
	validator *validator.Validate
	getenv    func(string) string
}

// NewLoader creates a loader reading overrides from the process environment.
func NewLoader() *Loader {
	schemas := NewSchemaRegistry()

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		schemas:   schemas,
		cue:       NewCUEParser(schemas),
		validator: v,
		getenv:    os.Getenv,
	}
}

// WithEnv replaces the environment lookup, for tests.
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	l.getenv = getenv
	return l
}

// Load reads a stack file. Files ending in .cue are parsed as CUE, anything
// else as YAML. Environment overrides are applied before validation.
func (l *Loader) Load(ctx context.Context, path string) (*StackConfig, error) {
	var (
		cfg *StackConfig
		err error
	)

	if filepath.Ext(path) == ".cue" {
		cfg, err = l.cue.ParseFile(ctx, path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg, err = l.ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	l.applyEnv(cfg)

	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes a YAML stack file over Default. Unknown keys are errors.
func (l *Loader) ParseYAML(data []byte) (*StackConfig, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			verrs := make(ValidationErrors, 0, len(typeErr.Errors))
			for _, msg := range typeErr.Errors {
				verrs = append(verrs, ValidationError{Message: msg})
			}
			return nil, verrs
		}
		return nil, fmt.Errorf("failed to parse stack file: %w", err)
	}

	return cfg, nil
}

func (l *Loader) applyEnv(cfg *StackConfig) {
	if v := l.getenv(EnvSubscriptionID); v != "" {
		cfg.SubscriptionID = v
	}
	if v := l.getenv(EnvPassphrase); v != "" {
		cfg.Passphrase = v
	}
}

// Validate checks struct constraints and then the CUE schema.
func (l *Loader) Validate(ctx context.Context, cfg *StackConfig) error {
	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate stack: %w", err)
		}

		out := make(ValidationErrors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
		return out
	}

	if err := l.schemas.ValidateStack(ctx, cfg); err != nil {
		if cause := errors.Unwrap(err); cause != nil {
			return l.cue.convertCUEErrors(cause)
		}
		return err
	}

	return nil
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// CUE returns the loader's CUE parser.
func (l *Loader) CUE() *CUEParser {
	return l.cue
}

// MarshalYAML renders a stack configuration as a YAML stack file.
func MarshalYAML(cfg *StackConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode stack: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode stack: %w", err)
	}
	return buf.Bytes(), nil
}

// fieldPath drops the root type from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
