package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadValidator validates action payloads against a compiled JSON Schema
// per category at the submission boundary, so the pipeline downstream never
// branches on ad hoc payload keys.
type PayloadValidator struct {
	schemas map[Category]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in per-category schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[Category]*jsonschema.Schema)}
	for cat, raw := range builtinSchemas {
		if err := v.Register(cat, raw); err != nil {
			return nil, fmt.Errorf("builtin schema for %s: %w", cat, err)
		}
	}
	return v, nil
}

// Register compiles and installs a schema for a category, replacing any
// previous one.
func (v *PayloadValidator) Register(cat Category, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v.schemas[cat] = s
	return nil
}

// Validate rejects unknown categories and schema-invalid payloads with a
// *PayloadError.
func (v *PayloadValidator) Validate(a *Action) error {
	s, ok := v.schemas[a.Category]
	if !ok {
		return &PayloadError{
			Code:    ErrCodeUnknownCategory,
			Message: fmt.Sprintf("category %q is not registered", a.Category),
		}
	}
	// jsonschema validates decoded JSON values; round-trip the payload so
	// numeric types normalize the way they would off the wire.
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return &PayloadError{
			Code:    ErrCodePayloadSchemaInvalid,
			Message: fmt.Sprintf("payload not serializable: %v", err),
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &PayloadError{Code: ErrCodePayloadSchemaInvalid, Message: err.Error()}
	}
	if err := s.Validate(doc); err != nil {
		return &PayloadError{Code: ErrCodePayloadSchemaInvalid, Message: err.Error()}
	}
	return nil
}

var builtinSchemas = map[Category]string{
	CategoryWebSearch: `{
		"type": "object",
		"properties": {
			"query":       {"type": "string", "minLength": 1},
			"max_results": {"type": "integer", "minimum": 1, "maximum": 50},
			"recency_days": {"type": "integer", "minimum": 0}
		},
		"required": ["query"],
		"additionalProperties": false
	}`,
	CategoryDeepResearch: `{
		"type": "object",
		"properties": {
			"topic":    {"type": "string", "minLength": 1},
			"depth":    {"type": "string", "enum": ["survey", "standard", "exhaustive"]},
			"sources":  {"type": "array", "items": {"type": "string"}}
		},
		"required": ["topic"],
		"additionalProperties": false
	}`,
	CategoryDataExtract: `{
		"type": "object",
		"properties": {
			"source": {"type": "string", "minLength": 1},
			"fields": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["source", "fields"],
		"additionalProperties": false
	}`,
	CategorySummarize: `{
		"type": "object",
		"properties": {
			"text":      {"type": "string", "minLength": 1},
			"max_words": {"type": "integer", "minimum": 10}
		},
		"required": ["text"],
		"additionalProperties": false
	}`,
	CategoryMarketAnalysis: `{
		"type": "object",
		"properties": {
			"market":   {"type": "string", "minLength": 1},
			"region":   {"type": "string"},
			"horizon_years": {"type": "integer", "minimum": 1, "maximum": 20}
		},
		"required": ["market"],
		"additionalProperties": false
	}`,
}
