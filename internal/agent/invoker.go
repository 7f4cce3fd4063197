// Package agent abstracts how node capabilities are executed. The
// engine never talks to a provider directly; it hands an Invoker a
// capability id and a payload and gets text back.
package agent

import "context"

// InvokeOptions tune a single capability invocation.
type InvokeOptions struct {
	// SystemPrompt overrides the capability's default system prompt.
	SystemPrompt string

	// Temperature overrides the provider default when non-nil.
	Temperature *float32

	// MaxTokens caps the response length when > 0.
	MaxTokens int
}

// Invoker executes agent capabilities. Implementations wrap a provider
// (LLM API, local model, remote service) and must be safe for
// concurrent use: parallel node jobs of one batch invoke simultaneously.
type Invoker interface {
	// Invoke runs the named capability against the payload and returns
	// the raw text output. Blocking; honors ctx cancellation and
	// deadlines.
	Invoke(ctx context.Context, capability, payload string, opts InvokeOptions) (string, error)

	// Supports reports whether the capability can be resolved. The
	// orchestrator checks this during pre-flight plan validation.
	Supports(capability string) bool

	// Capabilities lists every capability id this invoker can run.
	Capabilities() []string
}
