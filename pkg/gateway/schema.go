package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema wraps a resolved JSON Schema that a model's text response must
// satisfy once parsed as JSON. Rubric-driven grading prompts carry one of
// these so a malformed or incomplete model response is caught and retried
// before it ever reaches a grading unit.
type Schema struct {
	resolved *jsonschema.Resolved
}

// NewSchema parses raw (a JSON Schema document) and resolves it for
// validation.
func NewSchema(raw []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("gateway: parse json schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve json schema: %w", err)
	}
	return &Schema{resolved: resolved}, nil
}

// Validate parses text as JSON and checks it against the schema.
func (s *Schema) Validate(text string) error {
	var instance any
	if err := json.Unmarshal([]byte(text), &instance); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := s.resolved.Validate(instance); err != nil {
		return fmt.Errorf("response does not satisfy schema: %w", err)
	}
	return nil
}
