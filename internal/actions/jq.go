package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

const jqParamSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "raw_output": {"type": "boolean", "default": true}
  },
  "required": ["expression"]
}`

// jqAction reshapes a JSON payload with a jq expression. Non-JSON
// payloads are a validation-style failure: the pipeline keeps the
// prior payload and continues (the action is not critical).
type jqAction struct {
	engine *expressions.GoJQEngine
}

// NewJQAction creates the transform.jq action.
func NewJQAction(engine *expressions.GoJQEngine) Action {
	return &jqAction{engine: engine}
}

func (a *jqAction) Name() string      { return "transform.jq" }
func (a *jqAction) Critical() bool    { return false }
func (a *jqAction) ShouldQueue() bool { return false }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Apply a jq expression to a JSON payload. String results are emitted raw unless raw_output is false.",
		ParamSchema: json.RawMessage(jqParamSchema),
	}
}

func (a *jqAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'expression'")
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (string, error) {
	expression := stringParam(input.Params, "expression", "")
	rawOutput := boolParam(input.Params, "raw_output", true)

	var doc any
	if err := json.Unmarshal([]byte(input.Data), &doc); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"transform.jq: payload is not valid JSON: %s", err.Error()).WithCause(err)
	}

	result, err := a.engine.Run(ctx, expression, doc)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"transform.jq: expression %q produced no output", expression)
	}

	if s, ok := result.(string); ok && rawOutput {
		return s, nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"transform.jq: marshal result: %s", err.Error()).WithCause(err)
	}
	return string(out), nil
}
