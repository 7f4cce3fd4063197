package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/mcp"
	"github.com/rendis/ensemble/pkg/schema"
)

// --- Test harness: the full stack minus the stdio transport ---

type harness struct {
	t       *testing.T
	store   *store.LibSQLStore
	results resultstore.Store
	orch    *engine.Orchestrator
	hub     *streaming.MemoryHub
	server  *mcp.EnsembleServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	exprEngine := expressions.NewExprEngine()
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)

	registry := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(registry, actions.BuiltinDeps{
		Expr: exprEngine,
		CEL:  celEngine,
		JQ:   expressions.NewGoJQEngine(),
	}))

	invoker := agent.NewStaticInvoker()
	for _, capability := range []string{"research", "analysis", "review"} {
		capability := capability
		invoker.Handle(capability, func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
			return fmt.Sprintf("[%s] %s", capability, payload), nil
		})
	}
	invoker.Handle("writing", func(_ context.Context, payload string, _ agent.InvokeOptions) (string, error) {
		return "SYNTHESIS:\n" + payload, nil
	})

	validator, err := validation.NewPlanValidator(registry, invoker)
	require.NoError(t, err)

	results := resultstore.NewMemoryStore(time.Hour)
	hub := streaming.NewMemoryHub()

	orch, err := engine.New(engine.Config{
		Workers:            4,
		DefaultNodeTimeout: 10 * time.Second,
		SynthesisTimeout:   10 * time.Second,
	}, engine.Deps{
		Store:     st,
		Results:   results,
		Invoker:   invoker,
		Pipeline:  pipeline.New(registry, celEngine, nil),
		Expr:      exprEngine,
		Validator: validator,
		Sink:      &streaming.PhaseSink{Hub: hub},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	server := mcp.NewEnsembleServer(mcp.EnsembleServerDeps{
		Orchestrator: orch,
		Store:        st,
		Results:      results,
		Registry:     registry,
		Hub:          hub,
	})

	return &harness{t: t, store: st, results: results, orch: orch, hub: hub, server: server}
}

func (h *harness) run(plan map[string]any) (runID string, output string) {
	h.t.Helper()
	handle, err := h.orch.Execute(context.Background(), decodePlan(h.t, plan))
	require.NoError(h.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := handle.Wait(ctx)
	require.NoError(h.t, err)
	return handle.RunID, out
}

func decodePlan(t *testing.T, raw map[string]any) *schema.WorkflowPlan {
	t.Helper()
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	var plan schema.WorkflowPlan
	require.NoError(t, json.Unmarshal(data, &plan))
	return &plan
}

func parallelPlan() map[string]any {
	return map[string]any{
		"query":    "compare storage engines",
		"strategy": "parallel",
		"stages": []any{
			map[string]any{
				"mode": "parallel",
				"nodes": []any{
					map[string]any{"id": "a", "name": "scan-a", "capability": "research"},
					map[string]any{"id": "b", "name": "scan-b", "capability": "analysis"},
				},
			},
		},
		"synthesizer": "writing",
	}
}

// --- Tests ---

func TestFullRunThroughEngine(t *testing.T) {
	h := newHarness(t)

	runID, output := h.run(parallelPlan())
	assert.Contains(t, output, "SYNTHESIS:")
	assert.Contains(t, output, "compare storage engines")
	assert.Contains(t, output, "scan-a")
	assert.Contains(t, output, "scan-b")

	// Run reached terminal state with persisted output.
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.Output)

	// Every node materialized as completed.
	nodes, err := h.store.ListNodeExecutions(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, schema.NodeStatusCompleted, n.Status)
	}

	// The event log tells the whole story in order.
	events, err := h.store.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, schema.EventRunCreated, types[0])
	assert.Contains(t, types, schema.EventStageDispatched)
	assert.Contains(t, types, schema.EventSynthesisStarted)
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
}

func TestPhaseEventsReachSubscribers(t *testing.T) {
	h := newHarness(t)

	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{"run_phase"},
	})
	require.NoError(t, err)
	defer cancel()

	h.run(parallelPlan())

	// Drain phase events until the terminal one shows up.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			payload, ok := evt.Payload.(map[string]any)
			require.True(t, ok)
			if payload["to"] == string(schema.RunStatusCompleted) {
				return
			}
		case <-deadline:
			t.Fatal("never saw the completed phase event")
		}
	}
}

func TestStatusAndResultTools(t *testing.T) {
	h := newHarness(t)

	runID, _ := h.run(parallelPlan())

	statusRes, err := h.server.MCPServer().GetTool("ensemble.status").Handler(
		context.Background(), buildRequest("ensemble.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, statusRes.IsError)
	statusText := textOf(t, statusRes)
	assert.Contains(t, statusText, runID)
	assert.Contains(t, statusText, string(schema.RunStatusCompleted))

	resultRes, err := h.server.MCPServer().GetTool("ensemble.result").Handler(
		context.Background(), buildRequest("ensemble.result", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	require.False(t, resultRes.IsError)
	assert.Contains(t, textOf(t, resultRes), "SYNTHESIS:")
}

func TestNodeResultTool(t *testing.T) {
	h := newHarness(t)

	runID, _ := h.run(parallelPlan())

	res, err := h.server.MCPServer().GetTool("ensemble.result").Handler(
		context.Background(), buildRequest("ensemble.result", map[string]any{
			"run_id":  runID,
			"node_id": "a",
		}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), "[research]")
}

func TestDiagramToolShowsCompletedRun(t *testing.T) {
	h := newHarness(t)

	runID, _ := h.run(parallelPlan())

	res, err := h.server.MCPServer().GetTool("ensemble.diagram").Handler(
		context.Background(), buildRequest("ensemble.diagram", map[string]any{
			"run_id": runID,
			"format": "ascii",
		}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	text := textOf(t, res)
	assert.Contains(t, text, "compare storage engines")
	assert.Equal(t, 2, strings.Count(text, "[completed]"))
}

func TestSequentialChainEndToEnd(t *testing.T) {
	h := newHarness(t)

	_, output := h.run(map[string]any{
		"query":    "explain raft",
		"strategy": "sequential",
		"stages": []any{
			map[string]any{
				"mode": "sequential",
				"nodes": []any{
					map[string]any{"id": "s1", "capability": "research"},
					map[string]any{"id": "s2", "capability": "analysis"},
					map[string]any{"id": "s3", "capability": "review"},
				},
			},
		},
	})

	// Each link wraps its predecessor's output.
	assert.Contains(t, output, "[review] [analysis] [research] explain raft")
}

func TestInvalidPlanRejectedViaTool(t *testing.T) {
	h := newHarness(t)

	res, err := h.server.MCPServer().GetTool("ensemble.run").Handler(
		context.Background(), buildRequest("ensemble.run", map[string]any{
			"plan": map[string]any{
				"query":    "q",
				"strategy": "parallel",
				"stages": []any{
					map[string]any{
						"mode": "parallel",
						"nodes": []any{
							map[string]any{"id": "x", "capability": "time-travel"},
						},
					},
				},
			},
		}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "time-travel")
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcptypes.CallToolRequest {
	return mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{Name: toolName, Arguments: args},
	}
}

func textOf(t *testing.T, result *mcptypes.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcptypes.GetTextFromContent(result.Content[0])
}
