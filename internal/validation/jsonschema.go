package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kastel/remedia/pkg/schema"
)

// procedureSchemaJSON is the JSON Schema for procedure documents.
// Embedded as a constant to avoid filesystem dependencies.
const procedureSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://remedia.dev/schemas/procedure.json",
  "type": "object",
  "required": ["title", "issue", "steps"],
  "properties": {
    "id": { "type": "string" },
    "title": { "type": "string", "minLength": 1 },
    "issue": { "type": "string", "minLength": 1 },
    "tags": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["description"],
      "properties": {
        "description": { "type": "string", "minLength": 1 },
        "task_id": { "type": "string" },
        "task_name": { "type": "string" },
        "bound": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// taskSchemaJSON is the JSON Schema for worker task definitions.
const taskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://remedia.dev/schemas/task.json",
  "type": "object",
  "required": ["name", "content"],
  "properties": {
    "id": { "type": "integer" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "tags": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "content": { "type": "string", "minLength": 1 },
    "type": { "type": "string", "enum": ["shell"] },
    "params": {
      "type": "array",
      "items": { "$ref": "#/$defs/param" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "param": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["string", "int", "bool", "float", "file", "enum"]
        },
        "required": { "type": "boolean" },
        "default_value": { "type": "string" },
        "extract": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	procedureSchema *jsonschema.Schema
	taskSchema      *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with both schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compile := func(url, raw string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
		return c.Compile(url)
	}

	procSchema, err := compile("https://remedia.dev/schemas/procedure.json", procedureSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile procedure schema: %w", err)
	}
	taskSchema, err := compile("https://remedia.dev/schemas/task.json", taskSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}

	return &JSONSchemaValidator{
		procedureSchema: procSchema,
		taskSchema:      taskSchema,
	}, nil
}

// ValidateProcedure validates a procedure document, structurally and
// semantically.
func (v *JSONSchemaValidator) ValidateProcedure(p *schema.Procedure) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "procedure is nil")
	}
	doc, err := toJSONValue(p)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize procedure").WithCause(err)
	}
	if err := v.procedureSchema.Validate(doc); err != nil {
		return toRemediaError(err)
	}
	return checkProcedureSemantics(p)
}

// ValidateTask validates a worker task definition, structurally and
// semantically.
func (v *JSONSchemaValidator) ValidateTask(t *schema.WorkerTask) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	doc, err := toJSONValue(t)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize task").WithCause(err)
	}
	if err := v.taskSchema.Validate(doc); err != nil {
		return toRemediaError(err)
	}
	return checkTaskSemantics(t)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toRemediaError converts a jsonschema.ValidationError into a
// RemediaError with clear, actionable messages.
func toRemediaError(err error) *schema.RemediaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
