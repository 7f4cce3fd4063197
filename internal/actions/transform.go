package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// TransformActions returns the built-in payload transformation actions.
func TransformActions(exprEngine *expressions.ExprEngine) []Action {
	return []Action{
		&truncateAction{},
		&prependAction{},
		&appendAction{},
		&templateAction{engine: exprEngine},
	}
}

// --- transform.truncate ---

const truncateParamSchema = `{
  "type": "object",
  "properties": {
    "max_length": {"type": "integer", "minimum": 1},
    "suffix": {"type": "string", "default": "…"}
  },
  "required": ["max_length"]
}`

type truncateAction struct{}

func (a *truncateAction) Name() string      { return "transform.truncate" }
func (a *truncateAction) Critical() bool    { return false }
func (a *truncateAction) ShouldQueue() bool { return false }

func (a *truncateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Truncate the payload to a maximum rune length, appending a suffix when cut.",
		ParamSchema: json.RawMessage(truncateParamSchema),
	}
}

func (a *truncateAction) Validate(params map[string]any) error {
	if intParam(params, "max_length", 0) <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "transform.truncate: 'max_length' must be a positive integer")
	}
	return nil
}

func (a *truncateAction) Execute(_ context.Context, input ActionInput) (string, error) {
	maxLen := intParam(input.Params, "max_length", 0)
	suffix := stringParam(input.Params, "suffix", "…")

	runes := []rune(input.Data)
	if len(runes) <= maxLen {
		return input.Data, nil
	}
	return string(runes[:maxLen]) + suffix, nil
}

// --- transform.prepend ---

const prependParamSchema = `{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "separator": {"type": "string", "default": "\n\n"}
  },
  "required": ["text"]
}`

type prependAction struct{}

func (a *prependAction) Name() string      { return "transform.prepend" }
func (a *prependAction) Critical() bool    { return false }
func (a *prependAction) ShouldQueue() bool { return false }

func (a *prependAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Prepend static text to the payload.",
		ParamSchema: json.RawMessage(prependParamSchema),
	}
}

func (a *prependAction) Validate(params map[string]any) error {
	if stringParam(params, "text", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.prepend: missing required param 'text'")
	}
	return nil
}

func (a *prependAction) Execute(_ context.Context, input ActionInput) (string, error) {
	text := stringParam(input.Params, "text", "")
	sep := stringParam(input.Params, "separator", "\n\n")
	if input.Data == "" {
		return text, nil
	}
	return text + sep + input.Data, nil
}

// --- transform.append ---

type appendAction struct{}

func (a *appendAction) Name() string      { return "transform.append" }
func (a *appendAction) Critical() bool    { return false }
func (a *appendAction) ShouldQueue() bool { return false }

func (a *appendAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Append static text to the payload.",
		ParamSchema: json.RawMessage(prependParamSchema),
	}
}

func (a *appendAction) Validate(params map[string]any) error {
	if stringParam(params, "text", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.append: missing required param 'text'")
	}
	return nil
}

func (a *appendAction) Execute(_ context.Context, input ActionInput) (string, error) {
	text := stringParam(input.Params, "text", "")
	sep := stringParam(input.Params, "separator", "\n\n")
	if input.Data == "" {
		return text, nil
	}
	return input.Data + sep + text, nil
}

// --- transform.template ---

const templateParamSchema = `{
  "type": "object",
  "properties": {
    "template": {"type": "string", "minLength": 1}
  },
  "required": ["template"]
}`

// templateAction rewrites the payload from an expr template. The scope
// exposes the current payload as "data" plus the full pipeline context.
type templateAction struct {
	engine *expressions.ExprEngine
}

func (a *templateAction) Name() string      { return "transform.template" }
func (a *templateAction) Critical() bool    { return false }
func (a *templateAction) ShouldQueue() bool { return false }

func (a *templateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Rewrite the payload from an expr template with {{ ... }} placeholders; scope has 'data' plus the pipeline context.",
		ParamSchema: json.RawMessage(templateParamSchema),
	}
}

func (a *templateAction) Validate(params map[string]any) error {
	if stringParam(params, "template", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.template: missing required param 'template'")
	}
	return nil
}

func (a *templateAction) Execute(ctx context.Context, input ActionInput) (string, error) {
	tmpl := stringParam(input.Params, "template", "")

	scope := make(map[string]any, len(input.Context)+1)
	for k, v := range input.Context {
		scope[k] = v
	}
	scope["data"] = input.Data

	return a.engine.Render(ctx, tmpl, scope)
}
