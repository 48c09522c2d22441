package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xenophobed/isa-mcp/internal/fault"
)

// schemaCache compiles JSON Schemas once per definition hash. Compiled
// schemas are immutable and safe for concurrent validation.
type schemaCache struct {
	mu sync.RWMutex
	m  map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{m: make(map[string]*jsonschema.Schema)}
}

// compile returns the compiled schema for raw, keyed by cacheKey (the
// capability's definition hash plus a facet suffix).
func (c *schemaCache) compile(cacheKey string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.RLock()
	if s, ok := c.m[cacheKey]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("isamcp:///schemas/%s.json", cacheKey)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	c.mu.Lock()
	c.m[cacheKey] = schema
	c.mu.Unlock()
	return schema, nil
}

// validateArguments checks args against the schema, returning a classified
// invalid_argument error listing the failing locations.
func validateArguments(schema *jsonschema.Schema, args map[string]any) error {
	// The schema library validates plain decoded values; a nil map is an
	// empty object.
	var value any = map[string]any{}
	if args != nil {
		value = anyify(args)
	}

	if err := schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fault.Wrap(fault.InvalidArgument, validationMessage(ve), err)
		}
		return fault.Wrap(fault.InvalidArgument, "arguments do not match input schema", err)
	}
	return nil
}

// anyify round-trips args through JSON so numeric types match what the
// schema library expects regardless of how the arguments were decoded.
func anyify(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// validationMessage flattens the deepest causes into one caller-visible line.
func validationMessage(ve *jsonschema.ValidationError) string {
	leaves := ve.BasicOutput().Errors
	var parts []string
	for _, l := range leaves {
		if l.Error != "" {
			loc := l.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", loc, l.Error))
		}
	}
	if len(parts) == 0 {
		return "arguments do not match input schema"
	}
	if len(parts) > 5 {
		parts = parts[:5]
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}
