package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/schema"
)

type testEngine struct {
	orch    *Orchestrator
	store   *store.LibSQLStore
	results resultstore.Store
	invoker *agent.StaticInvoker
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	s := newEngineStore(t)
	results := resultstore.NewMemoryStore(resultstore.DefaultTTL)

	reg := actions.NewRegistry()
	exprEngine := expressions.NewExprEngine()
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{
		Expr: exprEngine,
		CEL:  celEngine,
		JQ:   expressions.NewGoJQEngine(),
	}))

	inv := agent.NewStaticInvoker()
	validator, err := validation.NewPlanValidator(reg, inv)
	require.NoError(t, err)

	orch, err := New(Config{
		Workers:            4,
		DefaultNodeTimeout: 10 * time.Second,
		SynthesisTimeout:   10 * time.Second,
	}, Deps{
		Store:     s,
		Results:   results,
		Invoker:   inv,
		Pipeline:  pipeline.New(reg, celEngine, nil),
		Expr:      exprEngine,
		Validator: validator,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &testEngine{orch: orch, store: s, results: results, invoker: inv}
}

func (e *testEngine) echo(capability, marker string) {
	e.invoker.Handle(capability, func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		if marker == "" {
			return payload, nil
		}
		return payload + "|" + marker, nil
	})
}

func waitForRun(t *testing.T, h *BatchHandle) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestExecute_SimplePlan(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "")

	plan := &schema.WorkflowPlan{
		Query:    "what is libsql",
		Strategy: schema.StrategySimple,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "lookup", Capability: "research"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NotEmpty(t, handle.RunID)
	require.NotEmpty(t, handle.BatchID)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "what is libsql", out)

	run, err := e.store.GetRun(context.Background(), handle.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)

	execs, err := e.store.ListNodeExecutions(context.Background(), handle.RunID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.NodeStatusCompleted, execs[0].Status)
	assert.Equal(t, "research", execs[0].Capability)
}

func TestExecute_RejectsInvalidPlanSynchronously(t *testing.T) {
	e := newTestEngine(t)

	plan := &schema.WorkflowPlan{Query: "", Strategy: "recursive"}
	handle, err := e.orch.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.Nil(t, handle)

	ensErr, ok := err.(*schema.EnsembleError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConfiguration, ensErr.Code)

	// Nothing was persisted.
	runs, err := e.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecute_ParallelWithSynthesis(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "research")
	e.echo("analysis", "analysis")

	var synthInput atomic.Value
	e.invoker.Handle("writer", func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		synthInput.Store(payload)
		return "SYNTHESIZED", nil
	})

	plan := &schema.WorkflowPlan{
		Query:    "compare database vendors",
		Strategy: schema.StrategyParallel,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageParallel, Nodes: []schema.WorkflowNode{
				{ID: "node-a", Capability: "research"},
				{ID: "node-b", Capability: "analysis"},
			}},
		},
		Synthesizer: "writer",
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "SYNTHESIZED", out)

	// The consolidated document lists results in plan order.
	doc, _ := synthInput.Load().(string)
	require.NotEmpty(t, doc)
	assert.Contains(t, doc, "compare database vendors")
	aIdx := strings.Index(doc, "## node-a")
	bIdx := strings.Index(doc, "## node-b")
	require.GreaterOrEqual(t, aIdx, 0)
	require.GreaterOrEqual(t, bIdx, 0)
	assert.Less(t, aIdx, bIdx)

	count, err := e.results.Count(context.Background(), handle.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExecute_PartialFailureTolerated(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "research")
	e.echo("analysis", "analysis")
	e.invoker.Handle("flaky", func(context.Context, string, agent.InvokeOptions) (string, error) {
		return "", schema.NewError(schema.ErrCodeExecution, "provider exploded")
	})
	e.invoker.Handle("writer", func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		return payload, nil
	})

	plan := &schema.WorkflowPlan{
		Query:    "resilience check",
		Strategy: schema.StrategyParallel,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageParallel, Nodes: []schema.WorkflowNode{
				{ID: "ok-1", Capability: "research"},
				{ID: "broken", Capability: "flaky"},
				{ID: "ok-2", Capability: "analysis"},
			}},
		},
		Synthesizer: "writer",
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Contains(t, out, "## ok-1")
	assert.Contains(t, out, "## ok-2")
	assert.NotContains(t, out, "## broken")

	run, err := e.store.GetRun(context.Background(), handle.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	exec, err := e.store.GetNodeExecution(context.Background(), handle.RunID, "broken")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusFailed, exec.Status)
	assert.Contains(t, string(exec.Error), "provider exploded")
}

func TestExecute_RequireAllNodesFailsRun(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "")
	e.invoker.Handle("flaky", func(context.Context, string, agent.InvokeOptions) (string, error) {
		return "", schema.NewError(schema.ErrCodeExecution, "provider exploded")
	})
	e.echo("writer", "")

	plan := &schema.WorkflowPlan{
		Query:           "strict run",
		Strategy:        schema.StrategyParallel,
		RequireAllNodes: true,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageParallel, Nodes: []schema.WorkflowNode{
				{ID: "ok", Capability: "research"},
				{ID: "broken", Capability: "flaky"},
			}},
		},
		Synthesizer: "writer",
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	_, err = waitForRun(t, handle)
	require.Error(t, err)
	ensErr, ok := err.(*schema.EnsembleError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNodeFailed, ensErr.Code)

	run, gerr := e.store.GetRun(context.Background(), handle.RunID)
	require.NoError(t, gerr)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, string(run.Error), schema.ErrCodeNodeFailed)
}

func TestExecute_SequentialChainsOutputs(t *testing.T) {
	e := newTestEngine(t)
	e.echo("draft", "draft")
	e.echo("review", "review")
	e.echo("polish", "polish")

	plan := &schema.WorkflowPlan{
		Query:    "write an essay",
		Strategy: schema.StrategySequential,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "s1", Capability: "draft"},
				{ID: "s2", Capability: "review"},
				{ID: "s3", Capability: "polish"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "write an essay|draft|review|polish", out)
}

func TestExecute_SequentialSkipsFailedLink(t *testing.T) {
	e := newTestEngine(t)
	e.echo("draft", "draft")
	e.invoker.Handle("flaky", func(context.Context, string, agent.InvokeOptions) (string, error) {
		return "", schema.NewError(schema.ErrCodeExecution, "nope")
	})
	e.echo("polish", "polish")

	plan := &schema.WorkflowPlan{
		Query:    "q",
		Strategy: schema.StrategySequential,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "s1", Capability: "draft"},
				{ID: "s2", Capability: "flaky"},
				{ID: "s3", Capability: "polish"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	// The failed link drops out of the chain; its successor consumes the
	// last good payload.
	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "q|draft|polish", out)
}

func TestExecute_MixedPlanConsolidatesAcrossStages(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "research")
	e.echo("analysis", "analysis")
	e.echo("writer", "")

	plan := &schema.WorkflowPlan{
		Query:    "multi stage question",
		Strategy: schema.StrategyMixed,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageParallel, Nodes: []schema.WorkflowNode{
				{ID: "gather-a", Capability: "research"},
				{ID: "gather-b", Capability: "analysis"},
			}},
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{
					ID:         "merge",
					Capability: "writer",
					InputActions: []schema.ActionConfig{
						{Method: "results.consolidate"},
					},
				},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	// Terminal stage yields one result, so it passes through unchanged.
	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Contains(t, out, "## gather-a")
	assert.Contains(t, out, "## gather-b")

	execs, err := e.store.ListNodeExecutions(context.Background(), handle.RunID)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestExecute_SynthesisFiresExactlyOnce(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "r")

	var synthCalls atomic.Int64
	e.invoker.Handle("writer", func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		synthCalls.Add(1)
		return "final", nil
	})

	nodes := make([]schema.WorkflowNode, 0, 6)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		nodes = append(nodes, schema.WorkflowNode{ID: id, Capability: "research"})
	}
	plan := &schema.WorkflowPlan{
		Query:       "fan out",
		Strategy:    schema.StrategyParallel,
		Stages:      []schema.WorkflowStage{{Mode: schema.StageParallel, Nodes: nodes}},
		Synthesizer: "writer",
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "final", out)
	assert.Equal(t, int64(1), synthCalls.Load())
}

func TestExecute_NodeTimeout(t *testing.T) {
	e := newTestEngine(t)
	e.invoker.Handle("slow", func(ctx context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return payload, nil
		}
	})

	plan := &schema.WorkflowPlan{
		Query:           "never finishes",
		Strategy:        schema.StrategySimple,
		RequireAllNodes: true,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "turtle", Capability: "slow", Timeout: "50ms"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	_, err = waitForRun(t, handle)
	require.Error(t, err)

	exec, gerr := e.store.GetNodeExecution(context.Background(), handle.RunID, "turtle")
	require.NoError(t, gerr)
	assert.Equal(t, schema.NodeStatusFailed, exec.Status)
	assert.Contains(t, string(exec.Error), schema.ErrCodeTimeout)
}

func TestExecute_InitialActionsTransformQuery(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "")

	plan := &schema.WorkflowPlan{
		Query:    "plain question",
		Strategy: schema.StrategySimple,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "lookup", Capability: "research"},
			}},
		},
		InitialActions: []schema.ActionConfig{
			{Method: "transform.prepend", Params: map[string]any{"text": "CONTEXT", "separator": ": "}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)

	out, err := waitForRun(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "CONTEXT: plain question", out)
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	e := newTestEngine(t)
	e.echo("research", "")

	plan := &schema.WorkflowPlan{
		Query:    "observable run",
		Strategy: schema.StrategySimple,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "lookup", Capability: "research"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)
	_, err = waitForRun(t, handle)
	require.NoError(t, err)

	events, err := e.orch.GetEvents(context.Background(), handle.RunID, 0)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i, ev := range events {
		seen[ev.Type] = true
		assert.Equal(t, int64(i+1), ev.Sequence, "event sequence must be gapless")
	}
	for _, want := range []string{
		schema.EventRunCreated,
		schema.EventRunStarted,
		schema.EventInitialActionsDone,
		schema.EventStageDispatched,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventResultStored,
		schema.EventSynthesisScheduled,
		schema.EventSynthesisStarted,
		schema.EventRunCompleted,
	} {
		assert.True(t, seen[want], "missing event %s", want)
	}
}

func TestExecute_NodeInputTemplate(t *testing.T) {
	e := newTestEngine(t)

	var received atomic.Value
	e.invoker.Handle("research", func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		received.Store(payload)
		return payload, nil
	})

	plan := &schema.WorkflowPlan{
		Query:    "templated run",
		Strategy: schema.StrategySimple,
		Stages: []schema.WorkflowStage{
			{Mode: schema.StageSequential, Nodes: []schema.WorkflowNode{
				{ID: "lookup", Capability: "research", Input: "Investigate: {{ query }}"},
			}},
		},
	}

	handle, err := e.orch.Execute(context.Background(), plan)
	require.NoError(t, err)
	_, err = waitForRun(t, handle)
	require.NoError(t, err)

	assert.Equal(t, "Investigate: templated run", received.Load())
}
