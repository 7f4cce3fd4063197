package engine

import (
	"context"
	"log/slog"
)

// NodeJobFunc is one schedulable node execution. It reports whether the
// node failed; error handling and persistence happen inside the job.
type NodeJobFunc func(ctx context.Context) (failed bool)

// BatchRunner schedules node jobs under a batch tag. Dispatch is
// fire-and-forget: it returns once the job is queued, and terminal
// accounting flows through the batch's NodeDone, which fires the
// batch's completion callback exactly once.
type BatchRunner interface {
	// Dispatch schedules one job.
	Dispatch(ctx context.Context, batch *BatchContext, job NodeJobFunc) error

	// Chain schedules jobs to run one after another in a single slot,
	// each counted individually against the batch.
	Chain(ctx context.Context, batch *BatchContext, jobs []NodeJobFunc) error

	// Wait blocks until every dispatched job has finished.
	Wait()

	// Shutdown stops accepting jobs and drains in-flight ones.
	Shutdown(ctx context.Context) error
}

// InProcessRunner executes batch jobs on a bounded worker pool inside
// the current process.
type InProcessRunner struct {
	pool   *WorkerPool
	logger *slog.Logger
}

// NewInProcessRunner creates a runner over a pool of the given size.
func NewInProcessRunner(workers int, logger *slog.Logger) *InProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessRunner{pool: NewWorkerPool(workers, logger), logger: logger}
}

func (r *InProcessRunner) Dispatch(ctx context.Context, batch *BatchContext, job NodeJobFunc) error {
	return r.pool.Submit(ctx, func(jobCtx context.Context) error {
		batch.NodeDone(jobCtx, job(jobCtx))
		return nil
	})
}

func (r *InProcessRunner) Chain(ctx context.Context, batch *BatchContext, jobs []NodeJobFunc) error {
	if len(jobs) == 0 {
		return nil
	}
	return r.pool.Submit(ctx, func(jobCtx context.Context) error {
		for _, job := range jobs {
			batch.NodeDone(jobCtx, job(jobCtx))
		}
		return nil
	})
}

func (r *InProcessRunner) Wait() {
	r.pool.Wait()
}

func (r *InProcessRunner) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}

// Metrics exposes the underlying pool counters.
func (r *InProcessRunner) Metrics() PoolMetrics {
	return r.pool.Metrics()
}

var _ BatchRunner = (*InProcessRunner)(nil)
