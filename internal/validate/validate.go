// Package validate checks tool-call arguments against JSON-Schema input
// descriptions before they are dispatched upstream.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is the outcome of argument validation.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err returns a single error summarizing the violations, or nil when valid.
func (r *Result) Err() error {
	if r.Valid {
		return nil
	}
	if len(r.Errors) == 0 {
		return errors.New("arguments do not match tool schema")
	}
	return fmt.Errorf("arguments do not match tool schema: %s", r.Errors[0])
}

var schemaCache sync.Map

// compile returns the compiled schema, caching by raw schema text. Tool
// schemas repeat across calls so the cache hit rate is effectively 100%
// after the first invocation of each tool.
func compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Arguments validates args against inputSchema. Validation is deep: nested
// objects, array item types, required fields, numeric bounds, string length
// and pattern, enum membership, and the integer/number distinction all
// apply. Each reported error names the violating path and the constraint.
func Arguments(args map[string]any, inputSchema json.RawMessage) *Result {
	if len(inputSchema) == 0 {
		// No schema to validate against; pass through.
		return &Result{Valid: true}
	}

	schema, err := compile(inputSchema)
	if err != nil {
		return &Result{Valid: false, Errors: []string{fmt.Sprintf("schema: %v", err)}}
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects (json.Number distinctions for integer checks).
	payload, err := json.Marshal(args)
	if err != nil {
		return &Result{Valid: false, Errors: []string{fmt.Sprintf("encode arguments: %v", err)}}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &Result{Valid: false, Errors: []string{fmt.Sprintf("decode arguments: %v", err)}}
	}

	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &Result{Valid: false, Errors: flatten(ve)}
		}
		return &Result{Valid: false, Errors: []string{err.Error()}}
	}

	return &Result{Valid: true}
}

// flatten walks the validation error tree and collects leaf causes as
// "path: constraint" strings, sorted for stable output.
func flatten(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
