package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas maps each wire event_type tag (workflow.EventType.String())
// to the JSON Schema its Meta payload must satisfy (Inputs and Outputs are
// not validated). Kept minimal and
// additive (additionalProperties left open) since the capture pipeline is
// free to attach provider-specific fields; these schemas only pin down the
// fields the rest of the system (cost aggregation, file extraction, replay)
// actually reads.
var payloadSchemas = map[string]string{
	"agent_call": `{
		"type": "object",
		"properties": {
			"agent_name": {"type": "string"},
			"model": {"type": "string"},
			"input_tokens": {"type": "integer", "minimum": 0},
			"output_tokens": {"type": "integer", "minimum": 0}
		}
	}`,
	"tool_call": `{
		"type": "object",
		"properties": {
			"tool_name": {"type": "string"},
			"arguments": {"type": "object"}
		},
		"required": ["tool_name"]
	}`,
	"code_exec": `{
		"type": "object",
		"properties": {
			"language": {"type": "string"},
			"exit_code": {"type": "integer"}
		}
	}`,
	"handoff": `{
		"type": "object",
		"properties": {
			"from_persona": {"type": "string"},
			"to_persona": {"type": "string"}
		},
		"required": ["to_persona"]
	}`,
	"file_gen": `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"inferred_type": {"type": "string"},
			"size_bytes": {"type": "integer", "minimum": 0}
		},
		"required": ["path"]
	}`,
	"cost_update": `{
		"type": "object",
		"properties": {
			"delta_cost": {"type": "number", "minimum": 0},
			"running_total": {"type": "number", "minimum": 0}
		}
	}`,
	"approval_requested": `{
		"type": "object",
		"properties": {
			"approval_id": {"type": "string"},
			"prompt": {"type": "string"}
		},
		"required": ["approval_id"]
	}`,
	"approval_received": `{
		"type": "object",
		"properties": {
			"approval_id": {"type": "string"},
			"decision": {"type": "string", "enum": ["approved", "rejected"]}
		},
		"required": ["approval_id", "decision"]
	}`,
	"error_occurred": `{
		"type": "object",
		"properties": {
			"kind": {"type": "string"},
			"message": {"type": "string"}
		},
		"required": ["kind"]
	}`,
}

// Validator compiles and caches the per-event-type JSON Schemas, used by the
// capture pipeline to reject malformed payloads before they ever reach
// AppendEvent (spec.md §4.3's "validate before persist" ordering).
type Validator struct {
	byType map[string]*jsonschema.Schema
}

// NewValidator compiles all built-in payload schemas. Returns an error only
// if a schema literal above is malformed, which would be a build-time bug.
func NewValidator() (*Validator, error) {
	v := &Validator{byType: make(map[string]*jsonschema.Schema)}
	for eventType, raw := range payloadSchemas {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", eventType, err)
		}
		resourceURL := "mem://" + eventType + ".json"
		if err := c.AddResource(resourceURL, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", eventType, err)
		}
		compiled, err := c.Compile(resourceURL)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", eventType, err)
		}
		v.byType[eventType] = compiled
	}
	return v, nil
}

// ValidatePayload validates meta against the schema registered for
// eventType. Event types with no registered schema (e.g. "node_started",
// "heartbeat") are accepted unconditionally — they carry no externally
// meaningful payload contract.
func (v *Validator) ValidatePayload(_ context.Context, eventType string, meta json.RawMessage) error {
	schema, ok := v.byType[eventType]
	if !ok || len(meta) == 0 {
		return nil
	}

	var decoded interface{}
	if err := json.Unmarshal(meta, &decoded); err != nil {
		return fmt.Errorf("payload for %s is not valid JSON: %w", eventType, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("payload for %s failed schema validation: %w", eventType, err)
	}
	return nil
}
