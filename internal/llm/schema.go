package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildRecordJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// It is sent to the model as the output contract and compiled locally to validate answers.
func BuildRecordJSONSchema(allowedCategories []string) map[string]any {
	props := map[string]any{
		"amount":       map[string]any{"type": "number", "minimum": 0},
		"currency":     map[string]any{"type": "string", "pattern": `^[A-Z]{3}$`},
		"date":         map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"counterparty": map[string]any{"type": "string", "minLength": 1},
		"category":     map[string]any{"type": "string", "minLength": 1},
		"description":  map[string]any{"type": "string"},
		"confidence":   map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
	}

	// Constrain category if a taxonomy is provided.
	if len(allowedCategories) > 0 {
		props["category"] = map[string]any{
			"type": "string",
			"enum": allowedCategories,
		}
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             []string{"amount", "date", "counterparty"},
	}
}

// CompileSchema compiles a schema map for repeated validation.
func CompileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateJSONAgainstSchema validates data and returns one reason per failing field,
// or nil when data conforms.
func ValidateJSONAgainstSchema(schema *jsonschema.Schema, data []byte) []string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return []string{"document: not valid JSON"}
	}
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{"document: " + err.Error()}
	}
	seen := map[string]struct{}{}
	var reasons []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if field == "" {
				field = "document"
			}
			r := field + ": " + e.Message
			if _, dup := seen[r]; !dup {
				seen[r] = struct{}{}
				reasons = append(reasons, r)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(reasons)
	return reasons
}
