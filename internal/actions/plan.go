package actions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Action types a plan may contain
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// Action is a single file operation requested by the model
type Action struct {
	Type    string `json:"type"`
	File    string `json:"file"`
	Content string `json:"content,omitempty"`
}

// Plan is the structured response the model is asked to produce
type Plan struct {
	Analysis string            `json:"analysis,omitempty"`
	Steps    []json.RawMessage `json:"plan,omitempty"`
	Actions  []Action          `json:"actions"`
}

// ParseError means no usable plan could be extracted from the response
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// planSchema is deliberately loose: it only rejects shapes the executor
// cannot interpret. Missing fields are handled per action.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "analysis": {"type": "string"},
    "plan": {"type": "array"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "type": {"type": "string"},
          "file": {"type": "string"},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plan.json")
	})
	return schema, schemaErr
}

// ExtractPlan pulls the action plan out of free-form model output. The
// candidate is the span from the first '{' to the last '}', so prose or
// code fences around the object are tolerated.
func ExtractPlan(text string) (*Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, &ParseError{Reason: "no JSON object in response"}
	}
	span := text[start : end+1]

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(span))
	if err != nil {
		return nil, &ParseError{Reason: "invalid JSON in response", Err: err}
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(inst); err != nil {
		return nil, &ParseError{Reason: "response does not match plan schema", Err: err}
	}

	var plan Plan
	if err := json.Unmarshal([]byte(span), &plan); err != nil {
		return nil, &ParseError{Reason: "failed to decode plan", Err: err}
	}
	return &plan, nil
}
