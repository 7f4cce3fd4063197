package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/ensemble/pkg/schema"
)

// HandlerFunc executes one capability invocation.
type HandlerFunc func(ctx context.Context, payload string, opts InvokeOptions) (string, error)

// StaticInvoker dispatches capabilities to registered Go functions. It
// backs local development and tests, where spinning up a provider is
// overkill.
type StaticInvoker struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewStaticInvoker creates an empty StaticInvoker.
func NewStaticInvoker() *StaticInvoker {
	return &StaticInvoker{handlers: make(map[string]HandlerFunc)}
}

// Handle registers (or replaces) the handler for a capability.
func (inv *StaticInvoker) Handle(capability string, fn HandlerFunc) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.handlers[capability] = fn
}

func (inv *StaticInvoker) Invoke(ctx context.Context, capability, payload string, opts InvokeOptions) (string, error) {
	inv.mu.RLock()
	fn, ok := inv.handlers[capability]
	inv.mu.RUnlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
			"capability %q not registered", capability)
	}
	return fn(ctx, payload, opts)
}

func (inv *StaticInvoker) Supports(capability string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.handlers[capability]
	return ok
}

func (inv *StaticInvoker) Capabilities() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, 0, len(inv.handlers))
	for id := range inv.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ Invoker = (*StaticInvoker)(nil)
