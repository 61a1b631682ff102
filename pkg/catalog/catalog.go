// Package catalog supplies the whitelist of node types a session is
// allowed to admit. The catalog contents come from external configuration
// and are immutable once loaded; node admission only ever reads from it.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// maxFileSize caps catalog files at 1MB to prevent memory exhaustion.
const maxFileSize = 1 << 20

// Catalog answers whether a node type is approved for admission.
// Implementations must be safe for concurrent use and immutable after
// construction.
type Catalog interface {
	// Allowed reports whether nodeType is on the whitelist.
	Allowed(nodeType string) bool

	// Types returns the approved type identifiers in sorted order.
	Types() []string

	// Schema returns the parameter schema for nodeType, or nil when the
	// catalog does not constrain its parameters.
	Schema(nodeType string) *jsonschema.Schema
}

// Static is an immutable in-memory Catalog.
type Static struct {
	types   map[string]struct{}
	schemas map[string]*jsonschema.Schema
}

// NewStatic creates a catalog from a list of approved type identifiers.
func NewStatic(types []string) *Static {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &Static{
		types:   set,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// File is the YAML shape of a catalog definition.
type File struct {
	// Types lists the approved node types, optionally with a JSON schema
	// constraining their parameter maps.
	Types []TypeEntry `yaml:"types"`
}

// TypeEntry describes one approved node type.
type TypeEntry struct {
	// Name is the type identifier (e.g. "http.request").
	Name string `yaml:"name"`
	// ParamsSchema is an optional JSON schema (as a YAML/JSON document)
	// applied to the node's parameter map at admission time.
	ParamsSchema map[string]any `yaml:"paramsSchema,omitempty"`
}

// Load reads a catalog definition from a YAML file.
func Load(path string) (*Static, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("catalog file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	return FromFile(&file)
}

// FromFile builds a catalog from a parsed definition, compiling any
// parameter schemas up front so admission never compiles on the hot path.
func FromFile(file *File) (*Static, error) {
	c := &Static{
		types:   make(map[string]struct{}, len(file.Types)),
		schemas: make(map[string]*jsonschema.Schema),
	}

	compiler := jsonschema.NewCompiler()
	for _, entry := range file.Types {
		if entry.Name == "" {
			return nil, fmt.Errorf("catalog entry with empty type name")
		}
		if _, dup := c.types[entry.Name]; dup {
			return nil, fmt.Errorf("duplicate catalog type %q", entry.Name)
		}
		c.types[entry.Name] = struct{}{}

		if entry.ParamsSchema != nil {
			raw, err := yamlToJSON(entry.ParamsSchema)
			if err != nil {
				return nil, fmt.Errorf("type %q: encode params schema: %w", entry.Name, err)
			}
			schema, err := compiler.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("type %q: compile params schema: %w", entry.Name, err)
			}
			c.schemas[entry.Name] = schema
		}
	}

	return c, nil
}

// Allowed reports whether nodeType is on the whitelist.
func (c *Static) Allowed(nodeType string) bool {
	_, ok := c.types[nodeType]
	return ok
}

// Types returns the approved type identifiers in sorted order.
func (c *Static) Types() []string {
	out := make([]string, 0, len(c.types))
	for t := range c.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Schema returns the compiled parameter schema for nodeType, if any.
func (c *Static) Schema(nodeType string) *jsonschema.Schema {
	return c.schemas[nodeType]
}

// WithSchema returns a copy of the catalog with a compiled schema attached
// to nodeType. The original catalog is not modified.
func (c *Static) WithSchema(nodeType string, schemaJSON []byte) (*Static, error) {
	if !c.Allowed(nodeType) {
		return nil, fmt.Errorf("type %q is not in the catalog", nodeType)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}

	out := &Static{
		types:   c.types,
		schemas: make(map[string]*jsonschema.Schema, len(c.schemas)+1),
	}
	for k, v := range c.schemas {
		out.schemas[k] = v
	}
	out.schemas[nodeType] = schema
	return out, nil
}

// yamlToJSON re-encodes a YAML-decoded document as JSON for the schema
// compiler.
func yamlToJSON(doc map[string]any) ([]byte, error) {
	return json.Marshal(normalizeValue(doc))
}

// normalizeValue converts yaml.v3 map[string]any values recursively so the
// document is JSON-encodable.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}
