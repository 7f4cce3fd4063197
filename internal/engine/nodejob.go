package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// NodeJob executes one workflow node end to end: render the input,
// run the input pipeline, invoke the capability, run the output
// pipeline, and store the result. Failures are isolated — the job
// persists its own failed state and never propagates a panic or error
// to sibling nodes.
type NodeJob struct {
	Run        *store.Run
	Batch      *BatchContext
	Node       schema.WorkflowNode
	Payload    string // stage input, or the predecessor's output in sequential stages
	StageIndex int

	invoker  agent.Invoker
	pipeline *pipeline.Pipeline
	results  resultstore.Store
	store    store.Store
	events   EventAppender
	expr     *expressions.ExprEngine
	timeout  time.Duration
	logger   *slog.Logger
}

// Execute runs the node. The returned output feeds the next node in a
// sequential stage; failed is true when no result was produced.
func (j *NodeJob) Execute(ctx context.Context) (output string, failed bool) {
	ctx = logging.WithIDs(ctx, j.Run.ID, j.Batch.ID, j.Node.ID)
	logger := j.logger.With("run_id", j.Run.ID, "node_id", j.Node.ID, "capability", j.Node.Capability)

	started := time.Now().UTC()
	fsm := NewNodeFSM(j.Run.ID, j.Node.ID, j.events, logger)

	exec := &store.NodeExecution{
		RunID:      j.Run.ID,
		NodeID:     j.Node.ID,
		Capability: j.Node.Capability,
		Status:     schema.NodeStatusRunning,
		Attempts:   1,
		StartedAt:  &started,
	}

	if err := j.store.UpsertNodeExecution(ctx, exec); err != nil {
		logger.Warn("failed to persist node start", "error", err)
	}
	if err := fsm.Transition(ctx, schema.NodeStatusPending, schema.NodeStatusRunning, nil); err != nil {
		logger.Warn("node start event rejected", "error", err)
	}

	rendered, err := j.renderInput(ctx)
	if err != nil {
		j.fail(ctx, fsm, exec, started, err)
		return "", true
	}
	exec.Input = jsonString(rendered)

	pctx := j.pipelineContext(ctx)

	data, _, err := j.pipeline.Run(ctx, j.Node.InputActions, rendered, pctx)
	if err != nil {
		j.fail(ctx, fsm, exec, started, err)
		return "", true
	}

	result, err := j.invoke(ctx, data)
	if err != nil {
		j.fail(ctx, fsm, exec, started, err)
		return "", true
	}

	final, _, err := j.pipeline.Run(ctx, j.Node.OutputActions, result, pctx)
	if err != nil {
		j.fail(ctx, fsm, exec, started, err)
		return "", true
	}

	metadata := map[string]any{
		"capability": j.Node.Capability,
		"stage":      j.StageIndex,
	}
	if err := j.results.Put(ctx, j.Batch.ID, j.Node.ID, final, metadata); err != nil {
		j.fail(ctx, fsm, exec, started, schema.NewError(schema.ErrCodeStore,
			"failed to store node result").WithCause(err).WithNode(j.Node.ID))
		return "", true
	}
	if err := j.events.AppendEvent(ctx, &store.Event{
		RunID:   j.Run.ID,
		NodeID:  j.Node.ID,
		Type:    schema.EventResultStored,
		Payload: marshalDetail(map[string]any{"batch_id": j.Batch.ID, "bytes": len(final)}),
	}); err != nil {
		logger.Warn("failed to append result event", "error", err)
	}

	completed := time.Now().UTC()
	exec.Status = schema.NodeStatusCompleted
	exec.Output = jsonString(final)
	exec.CompletedAt = &completed
	exec.DurationMs = completed.Sub(started).Milliseconds()
	if err := j.store.UpsertNodeExecution(ctx, exec); err != nil {
		logger.Warn("failed to persist node completion", "error", err)
	}
	if err := fsm.Transition(ctx, schema.NodeStatusRunning, schema.NodeStatusCompleted, exec.Output); err != nil {
		logger.Warn("node completion event rejected", "error", err)
	}

	logger.Info("node completed", "duration_ms", exec.DurationMs)
	return final, false
}

// renderInput resolves the node's effective input text. An explicit
// Input is rendered as an expr template; without one the node consumes
// the stage payload directly.
func (j *NodeJob) renderInput(ctx context.Context) (string, error) {
	if j.Node.Input == "" {
		return j.Payload, nil
	}
	scope := map[string]any{
		"query":    j.Run.Query,
		"previous": j.Payload,
		"context":  j.Run.Plan.Metadata,
	}
	rendered, err := j.expr.Render(ctx, j.Node.Input, scope)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"failed to render input for node %s", j.Node.ID).WithCause(err).WithNode(j.Node.ID)
	}
	return rendered, nil
}

// invoke calls the node's capability under its timeout.
func (j *NodeJob) invoke(ctx context.Context, payload string) (string, error) {
	timeout := j.timeout
	if j.Node.Timeout != "" {
		if d, err := time.ParseDuration(j.Node.Timeout); err == nil {
			timeout = d
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := j.invoker.Invoke(ctx, j.Node.Capability, payload, agent.InvokeOptions{})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", schema.NewErrorf(schema.ErrCodeTimeout,
				"node %s timed out after %s", j.Node.ID, timeout).WithCause(err).WithNode(j.Node.ID)
		}
		return "", schema.NewErrorf(schema.ErrCodeNodeFailed,
			"capability %q failed", j.Node.Capability).WithCause(err).WithNode(j.Node.ID)
	}
	return out, nil
}

// pipelineContext assembles the shared context passed to node action
// pipelines, including a best-effort snapshot of sibling results.
func (j *NodeJob) pipelineContext(ctx context.Context) map[string]any {
	pctx := map[string]any{
		actions.CtxQuery:   j.Run.Query,
		actions.CtxRunID:   j.Run.ID,
		actions.CtxBatchID: j.Batch.ID,
		actions.CtxNodeID:  j.Node.ID,
		actions.CtxAgent:   j.Node.Capability,
	}
	if collected, err := j.results.List(ctx, j.Batch.ID); err == nil && len(collected) > 0 {
		results := make(map[string]any, len(collected))
		for id, data := range collected {
			results[id] = data
		}
		pctx[actions.CtxResults] = results
	}
	return pctx
}

func (j *NodeJob) fail(ctx context.Context, fsm *NodeFSM, exec *store.NodeExecution, started time.Time, cause error) {
	j.logger.Error("node failed",
		"run_id", j.Run.ID, "node_id", j.Node.ID, "capability", j.Node.Capability, "error", cause)

	completed := time.Now().UTC()
	exec.Status = schema.NodeStatusFailed
	exec.Error = marshalError(cause)
	exec.CompletedAt = &completed
	exec.DurationMs = completed.Sub(started).Milliseconds()
	if err := j.store.UpsertNodeExecution(ctx, exec); err != nil {
		j.logger.Warn("failed to persist node failure", "run_id", j.Run.ID, "node_id", j.Node.ID, "error", err)
	}
	if err := fsm.Transition(ctx, schema.NodeStatusRunning, schema.NodeStatusFailed, exec.Error); err != nil {
		j.logger.Warn("node failure event rejected", "run_id", j.Run.ID, "node_id", j.Node.ID, "error", err)
	}
}

// jsonString wraps plain text as a JSON string value for raw columns.
func jsonString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

// marshalError serializes an error as a structured JSON document.
func marshalError(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var ensErr *schema.EnsembleError
	if e, ok := err.(*schema.EnsembleError); ok {
		ensErr = e
	} else {
		ensErr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	b, merr := json.Marshal(ensErr)
	if merr != nil {
		return jsonString(err.Error())
	}
	return b
}
