package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned by Submit after Shutdown has been called.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is one unit of pool work. The context passed to the task is the
// one given to Submit.
type Task func(ctx context.Context) error

// PoolMetrics is a point-in-time snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds concurrent node executions with a semaphore. Submit
// blocks while the pool is saturated, providing backpressure to the
// dispatcher instead of unbounded goroutine growth.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	shutdown bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		logger: logger,
	}
}

// Submit schedules a task and returns once it is queued. Blocks while
// all slots are busy; respects ctx cancellation while waiting.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// A shutdown can land between the check above and slot acquisition.
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(ctx, task)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, task Task) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("worker panic recovered", "panic", r)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := task(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Debug("worker task returned error", "error", err)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all queued tasks have finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting tasks and waits for in-flight ones, up to
// the context deadline.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
