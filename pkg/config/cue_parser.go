package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

// CUEParser parses stack files written in CUE. The file is unified with the
// built-in #Stack schema, so omitted fields take the schema defaults and
// unknown fields are rejected.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(registry *SchemaRegistry) *CUEParser {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &CUEParser{schemaRegistry: registry}
}

// ParseFile parses a CUE stack file.
func (cp *CUEParser) ParseFile(ctx context.Context, path string) (*StackConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cp.parse(string(content), path)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*StackConfig, error) {
	return cp.parse(content, "inline")
}

func (cp *CUEParser) parse(content, filename string) (*StackConfig, error) {
	schema, ok := cp.schemaRegistry.GetSchema("stack")
	if !ok {
		return nil, fmt.Errorf("schema stack not found")
	}

	val := cp.schemaRegistry.Context().CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err)
	}

	var cfg StackConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode stack: %w", err)
	}

	return &cfg, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}

// ExportCUE renders a stack configuration as CUE source.
func (cp *CUEParser) ExportCUE(cfg *StackConfig) ([]byte, error) {
	val := cp.schemaRegistry.Context().Encode(cfg)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode stack: %w", err)
	}

	out, err := format.Node(val.Syntax(cue.Concrete(true)))
	if err != nil {
		return nil, fmt.Errorf("failed to format stack: %w", err)
	}
	return out, nil
}
