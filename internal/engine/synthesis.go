package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// SynthesisJob merges a batch's collected node results into the final
// run output. It fires exactly once per batch, from whichever node
// goroutine lands last. A single terminal result without a synthesizer
// passes through unchanged; otherwise the synthesizer capability merges
// the consolidated document.
type SynthesisJob struct {
	Run   *store.Run
	Batch *BatchContext

	invoker  agent.Invoker
	pipeline *pipeline.Pipeline
	results  resultstore.Store
	store    store.Store
	events   EventAppender
	fsm      *RunFSM
	timeout  time.Duration
	logger   *slog.Logger
}

// Execute produces the final output for the run and drives the run to
// its terminal status. Final actions run best-effort even when
// synthesis itself failed.
func (s *SynthesisJob) Execute(ctx context.Context) (string, error) {
	logger := s.logger.With("run_id", s.Run.ID, "batch_id", s.Batch.ID)

	if err := s.fsm.Transition(ctx, schema.RunStatusRunning, schema.RunStatusSynthesisPending,
		map[string]any{"completed": s.Batch.CompletedCount(), "failed": s.Batch.FailedCount()}); err != nil {
		return s.finish(ctx, "", err)
	}
	if err := s.fsm.Transition(ctx, schema.RunStatusSynthesisPending, schema.RunStatusSynthesizing, nil); err != nil {
		return s.finish(ctx, "", err)
	}

	collected, err := s.results.List(ctx, s.Batch.ID)
	if err != nil {
		return s.finish(ctx, "", schema.NewError(schema.ErrCodeStore,
			"failed to collect batch results").WithCause(err))
	}

	output, synthErr := s.synthesize(ctx, collected)
	if synthErr != nil {
		logger.Error("synthesis failed", "error", synthErr)
	}

	output = s.runFinalActions(ctx, output, collected, synthErr)
	return s.finish(ctx, output, synthErr)
}

// synthesize picks the output strategy: fail on unmet requirements,
// pass through a single result, or invoke the synthesizer.
func (s *SynthesisJob) synthesize(ctx context.Context, collected map[string]string) (string, error) {
	failures := s.Batch.FailedCount()
	if s.Run.RequireAllNodes && failures > 0 {
		return "", schema.NewErrorf(schema.ErrCodeNodeFailed,
			"%d of %d nodes failed and the plan requires all", failures, s.Batch.Expected)
	}
	if len(collected) == 0 {
		return "", schema.NewError(schema.ErrCodeSynthesisFailed, "no node produced a result")
	}

	if s.Run.Plan.Synthesizer == "" {
		terminal := s.terminalNodeID()
		out, ok := collected[terminal]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeSynthesisFailed,
				"terminal node %s produced no result", terminal)
		}
		return out, nil
	}

	doc := s.consolidate(collected)

	sctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out, err := s.invoker.Invoke(sctx, s.Run.Plan.Synthesizer, doc, agent.InvokeOptions{})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSynthesisFailed,
			"synthesizer %q failed", s.Run.Plan.Synthesizer).WithCause(err)
	}
	return out, nil
}

// consolidate renders the collected results as one markdown document
// in plan order, so synthesizer prompts are deterministic.
func (s *SynthesisJob) consolidate(collected map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Query\n\n%s\n", s.Run.Query)
	for _, node := range s.Run.Plan.Nodes() {
		data, ok := collected[node.ID]
		if !ok {
			continue
		}
		title := node.ID
		if node.Name != "" {
			title = node.Name
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", title, data)
	}
	return b.String()
}

// terminalNodeID returns the node whose output stands in for the run
// when no synthesizer is configured.
func (s *SynthesisJob) terminalNodeID() string {
	stages := s.Run.Plan.Stages
	if len(stages) == 0 {
		return ""
	}
	nodes := stages[len(stages)-1].Nodes
	if len(nodes) == 0 {
		return ""
	}
	return nodes[len(nodes)-1].ID
}

// runFinalActions executes the plan's final pipeline. It runs even when
// synthesis failed so delivery actions can report the failure; pipeline
// errors degrade to the pre-pipeline output.
func (s *SynthesisJob) runFinalActions(ctx context.Context, output string, collected map[string]string, synthErr error) string {
	if len(s.Run.Plan.FinalActions) == 0 {
		return output
	}

	pctx := map[string]any{
		actions.CtxQuery:   s.Run.Query,
		actions.CtxRunID:   s.Run.ID,
		actions.CtxBatchID: s.Batch.ID,
	}
	if len(collected) > 0 {
		results := make(map[string]any, len(collected))
		for id, data := range collected {
			results[id] = data
		}
		pctx[actions.CtxResults] = results
	}
	if synthErr != nil {
		pctx[actions.CtxError] = synthErr.Error()
	}

	final, _, err := s.pipeline.Run(ctx, s.Run.Plan.FinalActions, output, pctx)
	if err != nil {
		s.logger.Warn("final actions failed", "run_id", s.Run.ID, "error", err)
		final = output
	}
	if aerr := s.events.AppendEvent(ctx, &store.Event{
		RunID: s.Run.ID,
		Type:  schema.EventFinalActionsDone,
	}); aerr != nil {
		s.logger.Warn("failed to append final actions event", "run_id", s.Run.ID, "error", aerr)
	}
	return final
}

// finish persists the terminal state and returns the run outcome.
func (s *SynthesisJob) finish(ctx context.Context, output string, synthErr error) (string, error) {
	if synthErr != nil {
		update := store.RunUpdate{Error: marshalError(synthErr)}
		if err := s.store.UpdateRun(ctx, s.Run.ID, update); err != nil {
			s.logger.Warn("failed to persist run error", "run_id", s.Run.ID, "error", err)
		}
		if err := s.fsm.Transition(ctx, schema.RunStatusSynthesizing, schema.RunStatusFailed,
			map[string]any{"error": synthErr.Error()}); err != nil {
			s.logger.Warn("failed run transition rejected", "run_id", s.Run.ID, "error", err)
		}
		return "", synthErr
	}

	update := store.RunUpdate{Output: jsonString(output)}
	if err := s.store.UpdateRun(ctx, s.Run.ID, update); err != nil {
		s.logger.Warn("failed to persist run output", "run_id", s.Run.ID, "error", err)
	}
	if err := s.fsm.Transition(ctx, schema.RunStatusSynthesizing, schema.RunStatusCompleted,
		map[string]any{"bytes": len(output)}); err != nil {
		s.logger.Warn("completed run transition rejected", "run_id", s.Run.ID, "error", err)
	}
	// Result entries stay readable until their TTL so callers can fetch
	// per-node outputs after the run.
	return output, nil
}
