package actions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// --- assert.cel ---

const assertCELParamSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "message": {"type": "string"}
  },
  "required": ["expression"]
}`

// assertCELAction evaluates a CEL predicate against the payload and
// fails the pipeline when it does not hold. Critical: an assertion that
// cannot pass means downstream nodes would run on bad data.
type assertCELAction struct {
	engine *expressions.CELEngine
}

// NewAssertCELAction creates the assert.cel action.
func NewAssertCELAction(engine *expressions.CELEngine) Action {
	return &assertCELAction{engine: engine}
}

func (a *assertCELAction) Name() string      { return "assert.cel" }
func (a *assertCELAction) Critical() bool    { return true }
func (a *assertCELAction) ShouldQueue() bool { return false }

func (a *assertCELAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Assert that a CEL predicate over the payload holds; a false result aborts the pipeline.",
		ParamSchema: json.RawMessage(assertCELParamSchema),
	}
}

func (a *assertCELAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "assert.cel: missing required param 'expression'")
	}
	return nil
}

func (a *assertCELAction) Execute(ctx context.Context, input ActionInput) (string, error) {
	expression := stringParam(input.Params, "expression", "")

	ok, err := a.engine.EvaluateBool(ctx, expression, map[string]any{
		"data":    input.Data,
		"params":  input.Params,
		"context": input.Context,
		"results": resultsFromContext(input.Context),
	})
	if err != nil {
		return "", err
	}
	if !ok {
		msg := stringParam(input.Params, "message", "")
		if msg == "" {
			msg = "assertion " + expression + " did not hold"
		}
		return "", schema.NewErrorf(schema.ErrCodeActionFailed, "assert.cel: %s", msg)
	}
	return input.Data, nil
}

// --- assert.schema ---

const assertSchemaParamSchema = `{
  "type": "object",
  "properties": {
    "schema": {"type": ["object", "string"]}
  },
  "required": ["schema"]
}`

// assertSchemaAction validates a JSON payload against a JSON Schema.
// Critical for the same reason as assert.cel. Compiled schemas are
// cached by their serialized form.
type assertSchemaAction struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewAssertSchemaAction creates the assert.schema action.
func NewAssertSchemaAction() Action {
	return &assertSchemaAction{cache: make(map[string]*jsonschema.Schema)}
}

func (a *assertSchemaAction) Name() string      { return "assert.schema" }
func (a *assertSchemaAction) Critical() bool    { return true }
func (a *assertSchemaAction) ShouldQueue() bool { return false }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Assert that a JSON payload validates against a JSON Schema; a violation aborts the pipeline.",
		ParamSchema: json.RawMessage(assertSchemaParamSchema),
	}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	raw, err := schemaParamJSON(params)
	if err != nil {
		return err
	}
	_, err = a.compile(raw)
	return err
}

func (a *assertSchemaAction) Execute(_ context.Context, input ActionInput) (string, error) {
	raw, err := schemaParamJSON(input.Params)
	if err != nil {
		return "", err
	}
	compiled, err := a.compile(raw)
	if err != nil {
		return "", err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(input.Data))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeActionFailed,
			"assert.schema: payload is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeActionFailed,
			"assert.schema: payload violates schema: %s", err.Error()).WithCause(err)
	}
	return input.Data, nil
}

// schemaParamJSON normalizes the 'schema' param, which may be an inline
// object or a pre-serialized JSON string, into canonical JSON text.
func schemaParamJSON(params map[string]any) (string, error) {
	raw, ok := params["schema"]
	if !ok {
		return "", schema.NewError(schema.ErrCodeValidation, "assert.schema: missing required param 'schema'")
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "assert.schema: 'schema' must not be empty")
		}
		return v, nil
	case map[string]any:
		out, err := json.Marshal(v)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"assert.schema: marshal schema: %s", err.Error()).WithCause(err)
		}
		return string(out), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"assert.schema: 'schema' must be an object or JSON string, got %T", raw)
	}
}

func (a *assertSchemaAction) compile(raw string) (*jsonschema.Schema, error) {
	a.mu.RLock()
	if s, ok := a.cache[raw]; ok {
		a.mu.RUnlock()
		return s, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.cache[raw]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.schema: schema is not valid JSON: %s", err.Error()).WithCause(err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource("inline.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.schema: register schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := compiler.Compile("inline.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.schema: compile schema: %s", err.Error()).WithCause(err)
	}
	a.cache[raw] = compiled
	return compiled, nil
}
