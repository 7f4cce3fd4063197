package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

// Config tunes orchestrator behavior.
type Config struct {
	// Workers bounds concurrent node executions across all batches.
	Workers int
	// DefaultNodeTimeout applies to nodes without their own timeout.
	DefaultNodeTimeout time.Duration
	// SynthesisTimeout bounds the synthesizer invocation.
	SynthesisTimeout time.Duration
}

// Deps wires the orchestrator to the rest of the system.
type Deps struct {
	Store     store.Store
	Results   resultstore.Store
	Invoker   agent.Invoker
	Pipeline  *pipeline.Pipeline
	Expr      *expressions.ExprEngine
	Validator *validation.PlanValidator
	Events    EventAppender // defaults to Store
	Runner    BatchRunner   // defaults to an in-process runner
	Sink      StatusSink    // defaults to a LogSink
	Logger    *slog.Logger
}

// Orchestrator turns validated workflow plans into dispatched batches
// of node jobs and drives each run to a terminal status. Execute
// returns as soon as the batch is dispatched; progress is observable
// through the returned handle, the event log, and the status sink.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	runner BatchRunner
	logger *slog.Logger
}

// New creates an orchestrator. Store, Results, Invoker, Pipeline, Expr,
// and Validator are required.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Results == nil || deps.Invoker == nil ||
		deps.Pipeline == nil || deps.Expr == nil || deps.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"orchestrator requires store, results, invoker, pipeline, expr, and validator")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = 2 * time.Minute
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 5 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = deps.Store
	}
	if deps.Sink == nil {
		deps.Sink = &LogSink{Logger: deps.Logger}
	}
	runner := deps.Runner
	if runner == nil {
		runner = NewInProcessRunner(cfg.Workers, deps.Logger)
	}
	return &Orchestrator{cfg: cfg, deps: deps, runner: runner, logger: deps.Logger}, nil
}

// Execute validates the plan, persists the run, executes initial
// actions synchronously, and dispatches the batch. Configuration
// problems surface here, before anything runs; everything after the
// returned handle is asynchronous.
func (o *Orchestrator) Execute(ctx context.Context, plan *schema.WorkflowPlan) (*BatchHandle, error) {
	if result := o.deps.Validator.Validate(plan); !result.Valid() {
		return nil, result.ToError()
	}

	runID := uuid.NewString()
	batchID := uuid.NewString()
	ctx = logging.WithIDs(ctx, runID, batchID, "")
	logger := o.logger.With("run_id", runID, "batch_id", batchID)

	run := &store.Run{
		ID:              runID,
		BatchID:         batchID,
		Query:           plan.Query,
		Strategy:        plan.Strategy,
		Plan:            *plan,
		Status:          schema.RunStatusPending,
		RequireAllNodes: plan.RequireAllNodes,
		NodeCount:       plan.NodeCount(),
	}
	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to create run").WithCause(err)
	}
	if err := o.deps.Events.AppendEvent(ctx, &store.Event{
		RunID: runID,
		Type:  schema.EventRunCreated,
		Payload: marshalDetail(map[string]any{
			"strategy":   string(plan.Strategy),
			"node_count": run.NodeCount,
			"batch_id":   batchID,
		}),
	}); err != nil {
		logger.Warn("failed to append run_created event", "error", err)
	}

	fsm := NewRunFSM(runID, o.deps.Store, o.deps.Events, o.deps.Sink, logger)
	if err := fsm.Transition(ctx, schema.RunStatusPending, schema.RunStatusInitialActions, nil); err != nil {
		return nil, err
	}

	payload := o.runInitialActions(ctx, run, batchID, logger)

	if err := fsm.Transition(ctx, schema.RunStatusInitialActions, schema.RunStatusDispatching, nil); err != nil {
		return nil, err
	}

	batch := NewBatchContext(runID, batchID, run.NodeCount)
	handle := newBatchHandle(runID, batchID)

	synthesis := &SynthesisJob{
		Run:      run,
		Batch:    batch,
		invoker:  o.deps.Invoker,
		pipeline: o.deps.Pipeline,
		results:  o.deps.Results,
		store:    o.deps.Store,
		events:   o.deps.Events,
		fsm:      fsm,
		timeout:  o.cfg.SynthesisTimeout,
		logger:   logger,
	}
	batch.SetOnComplete(func(cbCtx context.Context) {
		out, err := synthesis.Execute(cbCtx)
		handle.complete(out, err)
	})

	// The batch outlives the caller's request context.
	bg := context.WithoutCancel(ctx)
	go o.runBatch(bg, run, batch, fsm, payload, handle, logger)

	return handle, nil
}

// runInitialActions executes the plan's initial pipeline against the
// query. Failures never abort the run; the query passes through
// untransformed.
func (o *Orchestrator) runInitialActions(ctx context.Context, run *store.Run, batchID string, logger *slog.Logger) string {
	payload := run.Query
	if len(run.Plan.InitialActions) > 0 {
		pctx := map[string]any{
			actions.CtxQuery:   run.Query,
			actions.CtxRunID:   run.ID,
			actions.CtxBatchID: batchID,
		}
		out, _, err := o.deps.Pipeline.Run(ctx, run.Plan.InitialActions, run.Query, pctx)
		if err != nil {
			logger.Warn("initial actions failed, continuing with raw query", "error", err)
		} else {
			payload = out
		}
	}
	if err := o.deps.Events.AppendEvent(ctx, &store.Event{
		RunID: run.ID,
		Type:  schema.EventInitialActionsDone,
	}); err != nil {
		logger.Warn("failed to append initial actions event", "error", err)
	}
	return payload
}

// runBatch walks the plan's stages in order, dispatching node jobs and
// waiting for each stage to drain before starting the next. Synthesis
// fires from the last node's goroutine via the batch callback, so this
// goroutine exits once the final stage is dispatched and drained.
func (o *Orchestrator) runBatch(ctx context.Context, run *store.Run, batch *BatchContext,
	fsm *RunFSM, payload string, handle *BatchHandle, logger *slog.Logger) {

	if err := fsm.Transition(ctx, schema.RunStatusDispatching, schema.RunStatusRunning, nil); err != nil {
		logger.Error("failed to start batch", "error", err)
		handle.complete("", err)
		return
	}

	carry := payload
	for si, stage := range run.Plan.Stages {
		if err := o.deps.Events.AppendEvent(ctx, &store.Event{
			RunID: run.ID,
			Type:  schema.EventStageDispatched,
			Payload: marshalDetail(map[string]any{
				"stage": si, "mode": string(stage.Mode), "nodes": len(stage.Nodes),
			}),
		}); err != nil {
			logger.Warn("failed to append stage event", "stage", si, "error", err)
		}

		var wg sync.WaitGroup
		switch stage.Mode {
		case schema.StageSequential:
			box := o.dispatchSequential(ctx, run, batch, stage, si, carry, &wg, logger)
			wg.Wait()
			carry = box.get()
		default:
			o.dispatchParallel(ctx, run, batch, stage, si, carry, &wg, logger)
			wg.Wait()
		}
	}
}

// dispatchParallel fans the stage's nodes out across the pool, all
// consuming the same stage payload.
func (o *Orchestrator) dispatchParallel(ctx context.Context, run *store.Run, batch *BatchContext,
	stage schema.WorkflowStage, stageIndex int, payload string, wg *sync.WaitGroup, logger *slog.Logger) {

	for _, node := range stage.Nodes {
		node := node
		job := o.newNodeJob(run, batch, node, stageIndex, payload, logger)
		wg.Add(1)
		err := o.runner.Dispatch(ctx, batch, func(jobCtx context.Context) bool {
			defer wg.Done()
			_, failed := job.Execute(jobCtx)
			return failed
		})
		if err != nil {
			wg.Done()
			o.dispatchFailed(ctx, run, batch, node, err, logger)
		}
	}
}

// dispatchSequential chains the stage's nodes in one pool slot, each
// node consuming its predecessor's output. The returned carry holds
// the value the stage passes forward; callers must wait on wg before
// reading it.
func (o *Orchestrator) dispatchSequential(ctx context.Context, run *store.Run, batch *BatchContext,
	stage schema.WorkflowStage, stageIndex int, payload string, wg *sync.WaitGroup, logger *slog.Logger) *chainCarry {

	carry := &chainCarry{value: payload}
	jobs := make([]NodeJobFunc, 0, len(stage.Nodes))
	for _, node := range stage.Nodes {
		node := node
		wg.Add(1)
		jobs = append(jobs, func(jobCtx context.Context) bool {
			defer wg.Done()
			job := o.newNodeJob(run, batch, node, stageIndex, carry.get(), logger)
			out, failed := job.Execute(jobCtx)
			if !failed {
				carry.set(out)
			}
			return failed
		})
	}

	if err := o.runner.Chain(ctx, batch, jobs); err != nil {
		for _, node := range stage.Nodes {
			wg.Done()
			o.dispatchFailed(ctx, run, batch, node, err, logger)
		}
	}
	return carry
}

// chainCarry threads the running payload through a sequential chain.
// Guarded because the final read happens on the dispatcher goroutine.
type chainCarry struct {
	mu    sync.Mutex
	value string
}

func (c *chainCarry) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *chainCarry) set(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
}

func (o *Orchestrator) newNodeJob(run *store.Run, batch *BatchContext,
	node schema.WorkflowNode, stageIndex int, payload string, logger *slog.Logger) *NodeJob {
	return &NodeJob{
		Run:        run,
		Batch:      batch,
		Node:       node,
		Payload:    payload,
		StageIndex: stageIndex,
		invoker:    o.deps.Invoker,
		pipeline:   o.deps.Pipeline,
		results:    o.deps.Results,
		store:      o.deps.Store,
		events:     o.deps.Events,
		expr:       o.deps.Expr,
		timeout:    o.cfg.DefaultNodeTimeout,
		logger:     logger,
	}
}

// dispatchFailed records a node that never made it onto the pool and
// counts it against the batch so synthesis still triggers.
func (o *Orchestrator) dispatchFailed(ctx context.Context, run *store.Run, batch *BatchContext,
	node schema.WorkflowNode, cause error, logger *slog.Logger) {

	logger.Error("failed to dispatch node", "node_id", node.ID, "error", cause)

	derr := schema.NewErrorf(schema.ErrCodeDispatch,
		"node %s was never dispatched", node.ID).WithCause(cause).WithNode(node.ID)
	now := time.Now().UTC()
	exec := &store.NodeExecution{
		RunID:       run.ID,
		NodeID:      node.ID,
		Capability:  node.Capability,
		Status:      schema.NodeStatusFailed,
		Error:       marshalError(derr),
		CompletedAt: &now,
	}
	if err := o.deps.Store.UpsertNodeExecution(ctx, exec); err != nil {
		logger.Warn("failed to persist dispatch failure", "node_id", node.ID, "error", err)
	}
	if err := o.deps.Events.AppendEvent(ctx, &store.Event{
		RunID:   run.ID,
		NodeID:  node.ID,
		Type:    schema.EventNodeFailed,
		Payload: exec.Error,
	}); err != nil {
		logger.Warn("failed to append dispatch failure event", "node_id", node.ID, "error", err)
	}
	batch.NodeDone(ctx, true)
}

// GetRun fetches a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return o.deps.Store.GetRun(ctx, runID)
}

// ListNodeExecutions fetches the per-node state of a run.
func (o *Orchestrator) ListNodeExecutions(ctx context.Context, runID string) ([]*store.NodeExecution, error) {
	return o.deps.Store.ListNodeExecutions(ctx, runID)
}

// GetEvents fetches a run's event log after the given sequence.
func (o *Orchestrator) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return o.deps.Store.GetEvents(ctx, runID, since)
}

// Shutdown drains the runner.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.runner.Shutdown(ctx)
}
