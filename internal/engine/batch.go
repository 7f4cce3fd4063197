package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/ensemble/pkg/schema"
)

// BatchContext tracks terminal-node accounting for one dispatched batch.
// Completion detection is a single atomic increment-and-compare, so the
// synthesis trigger needs no locks and fires exactly once no matter how
// many node goroutines land simultaneously.
type BatchContext struct {
	ID       string
	RunID    string
	Expected int64

	completed  atomic.Int64
	failed     atomic.Int64
	triggered  atomic.Bool
	onComplete func(ctx context.Context)
}

// NewBatchContext creates accounting for a batch of expected nodes.
func NewBatchContext(runID, batchID string, expected int) *BatchContext {
	return &BatchContext{ID: batchID, RunID: runID, Expected: int64(expected)}
}

// SetOnComplete registers the callback fired when the last expected
// node lands. Must be called before any node is dispatched.
func (b *BatchContext) SetOnComplete(fn func(ctx context.Context)) {
	b.onComplete = fn
}

// NodeDone records one terminal node. When it is the last expected one,
// the completion callback runs on the calling goroutine and NodeDone
// returns true; every other call returns false. In-flight siblings are
// never cancelled by a failure, they only count it.
func (b *BatchContext) NodeDone(ctx context.Context, failed bool) bool {
	if failed {
		b.failed.Add(1)
	}
	if b.completed.Add(1) != b.Expected {
		return false
	}
	if !b.triggered.CompareAndSwap(false, true) {
		return false
	}
	if b.onComplete != nil {
		b.onComplete(ctx)
	}
	return true
}

// CompletedCount returns how many nodes have reached a terminal state.
func (b *BatchContext) CompletedCount() int64 { return b.completed.Load() }

// FailedCount returns how many of the terminal nodes failed.
func (b *BatchContext) FailedCount() int64 { return b.failed.Load() }

// BatchHandle is the caller's view of an in-flight run. Execute returns
// it immediately after dispatch; the final output (or error) becomes
// available once Done is closed.
type BatchHandle struct {
	RunID   string
	BatchID string

	once   sync.Once
	done   chan struct{}
	output string
	err    error
}

func newBatchHandle(runID, batchID string) *BatchHandle {
	return &BatchHandle{RunID: runID, BatchID: batchID, done: make(chan struct{})}
}

// Done is closed when the run reaches a terminal status.
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// Result returns the final output and error. Only valid after Done is
// closed.
func (h *BatchHandle) Result() (string, error) {
	select {
	case <-h.done:
		return h.output, h.err
	default:
		return "", schema.NewError(schema.ErrCodeConflict, "run has not finished")
	}
}

// Wait blocks until the run finishes or ctx expires.
func (h *BatchHandle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.output, h.err
	case <-ctx.Done():
		return "", schema.NewError(schema.ErrCodeTimeout, "timed out waiting for run").
			WithCause(ctx.Err())
	}
}

func (h *BatchHandle) complete(output string, err error) {
	h.once.Do(func() {
		h.output = output
		h.err = err
		close(h.done)
	})
}

// StatusSink receives run phase changes. Implementations must return
// quickly and never fail the workflow; the engine calls them inline on
// every accepted transition.
type StatusSink interface {
	RunPhase(runID string, from, to schema.RunStatus)
}

// LogSink is the default StatusSink, writing phase changes to slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) RunPhase(runID string, from, to schema.RunStatus) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("run phase", "run_id", runID, "from", string(from), "to", string(to))
}

var _ StatusSink = (*LogSink)(nil)
