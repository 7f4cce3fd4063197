package actions

import (
	"context"
	"encoding/json"
)

// Action is a named unit of data transformation and/or side effect,
// invoked by the pipeline at defined points in the workflow lifecycle.
//
// Actions operate on an opaque string payload so arbitrary agent output
// (markdown, JSON blobs) flows through a uniform pipeline without the
// pipeline needing to understand domain schemas. Execute must not fail
// for recoverable conditions: a non-critical action that cannot do its
// work returns an error and the pipeline continues with the prior
// payload; only actions reporting Critical() true abort their pipeline.
type Action interface {
	Name() string
	Schema() ActionSchema
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ActionInput) (string, error)

	// Critical actions abort the enclosing pipeline on failure.
	// Non-critical failures are logged and skipped.
	Critical() bool

	// ShouldQueue hints that the action is long-running or does network
	// I/O and is better dispatched asynchronously than run inline.
	ShouldQueue() bool
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Data    string         `json:"data"`
	Params  map[string]any `json:"params,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ActionSchema describes the contract of an action for introspection
// and pre-flight configuration validation.
type ActionSchema struct {
	Description string          `json:"description,omitempty"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"` // JSON Schema for Params
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Critical    bool   `json:"critical,omitempty"`
}

// Well-known pipeline context keys. The orchestrator and jobs populate
// these; actions read them, never write them.
const (
	CtxQuery   = "query"    // original workflow query
	CtxRunID   = "run_id"   // parent execution id
	CtxBatchID = "batch_id" // batch id shared by all node jobs
	CtxNodeID  = "node_id"  // current node, empty for initial/final pipelines
	CtxAgent   = "agent"    // capability id of the current node
	CtxResults = "results"  // map[string]any of collected node results (synthesis)
	CtxError   = "error"    // failure summary, set for final actions after a failed run
)
