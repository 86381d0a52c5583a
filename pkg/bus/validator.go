package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orion-ops/orion/pkg/contracts"
)

// Validator checks messages against the JSON Schema registered for their
// contract kind. Validation is fail-fast: no message reaches the broker
// without passing its schema.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every schema embedded in the contracts package.
// Schema keys are derived from filenames ("event.schema.json" -> "event").
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(contracts.SchemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".schema.json") {
			continue
		}
		data, err := fs.ReadFile(contracts.SchemaFS, path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://orion.schemas.local/" + name
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}

		kind := strings.TrimSuffix(name, ".schema.json")
		v.schemas[kind] = compiled
	}

	if len(v.schemas) == 0 {
		return nil, fmt.Errorf("no schemas found in embedded contracts")
	}
	return v, nil
}

// Validate checks a decoded JSON document against the schema for kind.
func (v *Validator) Validate(kind string, doc any) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown contract kind: %s", kind)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("validation failed for %s: %w", kind, err)
	}
	return nil
}

// ValidateJSON decodes raw JSON and checks it against the schema for kind.
func (v *Validator) ValidateJSON(kind string, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return v.Validate(kind, doc)
}

// Kinds returns the contract kinds the validator knows about.
func (v *Validator) Kinds() []string {
	kinds := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		kinds = append(kinds, k)
	}
	return kinds
}
