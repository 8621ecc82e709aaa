package agents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// recordSchema describes what a record file must contain to be loadable.
// Unknown properties are allowed so newer records stay readable.
const recordSchema = `{
  "type": "object",
  "required": ["id", "task", "timing"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
    "project": {"type": "string"},
    "task": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "goal": {"type": "string"},
        "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
        "dependencies": {"type": "array", "items": {"type": "string"}},
        "blockers": {"type": "array", "items": {"type": "string"}}
      }
    },
    "state": {
      "type": "object",
      "properties": {
        "status": {"enum": ["active", "paused", "blocked", "completed", "cancelled"]},
        "last_error": {"type": "string"},
        "reason": {"type": "string"}
      }
    },
    "priority": {
      "type": "object",
      "properties": {
        "urgency": {"$ref": "#/$defs/unit"},
        "value": {"$ref": "#/$defs/unit"},
        "novelty": {"$ref": "#/$defs/unit"},
        "user_signal": {"$ref": "#/$defs/unit"},
        "computed_score": {"type": "number"}
      }
    },
    "timing": {
      "type": "object",
      "required": ["created_at"],
      "properties": {
        "created_at": {"type": "string"},
        "updated_at": {"type": "string"},
        "last_active": {"type": "string"},
        "deadline": {"type": "string"},
        "active_since": {"type": "string"},
        "total_active_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "estimated_tokens": {"type": "integer", "minimum": 0}
  },
  "$defs": {
    "unit": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal record schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("agent.json", doc); err != nil {
			schemaErr = fmt.Errorf("add record schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("agent.json")
	})
	return compiledSchema, schemaErr
}

// ValidateRecord checks raw record bytes against the record schema.
func ValidateRecord(data []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Decode validates and decodes a record file.
func Decode(data []byte) (*Agent, error) {
	if err := ValidateRecord(data); err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
