package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

const consolidateParamSchema = `{
  "type": "object",
  "properties": {
    "format": {"type": "string", "enum": ["markdown", "json"], "default": "markdown"},
    "include_query": {"type": "boolean", "default": true},
    "heading": {"type": "string"}
  }
}`

// consolidateAction merges the collected node results from the pipeline
// context into a single document. It is the standard input action for a
// sequential node that consumes a preceding parallel stage, and for
// synthesis prompts.
type consolidateAction struct{}

// NewConsolidateAction creates the results.consolidate action.
func NewConsolidateAction() Action {
	return &consolidateAction{}
}

func (a *consolidateAction) Name() string      { return "results.consolidate" }
func (a *consolidateAction) Critical() bool    { return false }
func (a *consolidateAction) ShouldQueue() bool { return false }

func (a *consolidateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Merge collected node results from the pipeline context into one markdown or JSON document.",
		ParamSchema: json.RawMessage(consolidateParamSchema),
	}
}

func (a *consolidateAction) Validate(params map[string]any) error {
	format := stringParam(params, "format", "markdown")
	if format != "markdown" && format != "json" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"results.consolidate: unsupported format %q", format)
	}
	return nil
}

func (a *consolidateAction) Execute(_ context.Context, input ActionInput) (string, error) {
	results := resultsFromContext(input.Context)
	if len(results) == 0 {
		// Nothing to merge; pass the payload through untouched.
		return input.Data, nil
	}

	// Deterministic ordering by node id.
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if stringParam(input.Params, "format", "markdown") == "json" {
		ordered := make(map[string]any, len(results))
		for _, id := range ids {
			ordered[id] = results[id]
		}
		out, err := json.Marshal(ordered)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution,
				"results.consolidate: marshal results: %s", err.Error()).WithCause(err)
		}
		return string(out), nil
	}

	var b strings.Builder
	if heading := stringParam(input.Params, "heading", ""); heading != "" {
		fmt.Fprintf(&b, "# %s\n\n", heading)
	}
	if boolParam(input.Params, "include_query", true) {
		if q, ok := input.Context[CtxQuery].(string); ok && q != "" {
			fmt.Fprintf(&b, "Original request: %s\n\n", q)
		}
	}
	for _, id := range ids {
		fmt.Fprintf(&b, "## %s\n\n%v\n\n", id, results[id])
	}
	if input.Data != "" {
		b.WriteString(input.Data)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// resultsFromContext extracts the collected node results, tolerating
// both map[string]any and map[string]string shapes.
func resultsFromContext(ctx map[string]any) map[string]any {
	raw, ok := ctx[CtxResults]
	if !ok {
		return nil
	}
	switch m := raw.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	default:
		return nil
	}
}
