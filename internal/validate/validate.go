// Package validate compiles and applies JSON Schema documents against every
// inbound RPC payload before it reaches the Task Queue, so malformed
// requests fail as VALIDATION errors at the gateway boundary rather than
// deep inside queue logic.
package validate

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator holds one compiled schema per RPC method name.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every schema in defs, keyed by RPC method name.
func New(defs map[string]string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(defs))}

	for method, raw := range defs {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("schema for %s: invalid JSON: %w", method, err)
		}
		url := "mem://" + method + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", method, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		v.schemas[method] = schema
	}
	return v, nil
}

// Validate checks a decoded JSON payload (map[string]any or similar)
// against the schema registered for method. A method with no registered
// schema always passes — not every RPC needs structural validation.
func (v *Validator) Validate(method string, payload any) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

// Has reports whether a schema is registered for method.
func (v *Validator) Has(method string) bool {
	_, ok := v.schemas[method]
	return ok
}
