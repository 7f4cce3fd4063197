package actions

import (
	"fmt"

	"github.com/rendis/ensemble/internal/expressions"
)

// BuiltinDeps carries the shared engines the built-in actions need.
type BuiltinDeps struct {
	Expr    *expressions.ExprEngine
	CEL     *expressions.CELEngine
	JQ      *expressions.GoJQEngine
	Webhook WebhookConfig
}

// RegisterBuiltins registers the standard action set on the registry.
func RegisterBuiltins(registry *Registry, deps BuiltinDeps) error {
	all := TransformActions(deps.Expr)
	all = append(all,
		NewJQAction(deps.JQ),
		NewConsolidateAction(),
		NewWebhookAction(deps.Webhook),
		NewAssertCELAction(deps.CEL),
		NewAssertSchemaAction(),
	)
	for _, a := range all {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register builtin action %s: %w", a.Name(), err)
		}
	}
	return nil
}
