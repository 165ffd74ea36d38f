package jobs

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// DefaultSchemas returns the request schemas shipped with the binary.
func DefaultSchemas() fs.FS {
	sub, err := fs.Sub(embeddedSchemas, "schemas")
	if err != nil {
		panic(err)
	}
	return sub
}

// Validator checks job requests against a JSON Schema per kind. Kinds
// without a schema are accepted as long as the request is valid JSON.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every <kind>.json file at the root of fsys.
func NewValidator(fsys fs.FS) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		kind := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://creditcore.inaiurai.dev/schemas/" + kind + ".json"
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate rejects requests that are not JSON or violate the kind's schema.
func (v *Validator) Validate(kind string, request json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(request, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Kinds lists the kinds that have a schema.
func (v *Validator) Kinds() []string {
	out := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		out = append(out, k)
	}
	return out
}
