package expressions

import "context"

// Engine evaluates expressions against a scope map. Three engines are
// provided: expr (templates and general logic), cel (boolean guards),
// and jq (JSON payload reshaping). All engines cache compiled programs
// and are safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}
