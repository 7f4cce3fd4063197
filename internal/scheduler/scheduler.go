package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// PlanRunner submits a workflow plan for execution. Satisfied by a thin
// adapter over the orchestrator (avoids an import cycle).
type PlanRunner interface {
	Submit(ctx context.Context, plan *schema.WorkflowPlan) (runID string, err error)
}

// Scheduler polls the store for due scheduled plans and submits them.
type Scheduler struct {
	store  store.Store
	runner PlanRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // plan IDs currently submitting (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PlanRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled plans and submits those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	plans, err := s.store.ListScheduledPlans(ctx, store.ScheduledPlanFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled plans", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sp := range plans {
		if sp.NextRunAt == nil || !sp.NextRunAt.After(now) {
			if !s.tryAcquire(sp.ID) {
				continue // already submitting (dedup)
			}
			if err := s.runPlan(ctx, sp, now); err != nil {
				s.logger.Error("failed to run scheduled plan",
					slog.String("plan_id", sp.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sp.ID)
		}
	}
}

// runPlan submits a scheduled plan and updates its timestamps.
func (s *Scheduler) runPlan(ctx context.Context, sp *store.ScheduledPlan, now time.Time) error {
	s.logger.Info("submitting scheduled plan",
		slog.String("plan_id", sp.ID),
		slog.String("name", sp.Name),
	)

	plan := sp.Plan
	runID, err := s.runner.Submit(ctx, &plan)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled plan submission failed",
			slog.String("plan_id", sp.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled plan submitted",
			slog.String("plan_id", sp.ID),
			slog.String("run_id", runID),
		)
	}

	return s.updateStatus(ctx, sp, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sp *store.ScheduledPlan, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sp.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for plan %q: %w", sp.ID, err)
	}

	return s.store.UpdateScheduledPlan(ctx, sp.ID, store.ScheduledPlanUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the plan as in-flight if it is not
// already being submitted.
func (s *Scheduler) tryAcquire(planID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[planID]; ok {
		return false
	}
	s.inflight[planID] = struct{}{}
	return true
}

func (s *Scheduler) release(planID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, planID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed submits plans whose next_run_at slipped into the past
// (for example while the process was down) one time each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	plans, err := s.store.ListScheduledPlans(ctx, store.ScheduledPlanFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed plans: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sp := range plans {
		if sp.NextRunAt != nil && sp.NextRunAt.Before(now) {
			if !s.tryAcquire(sp.ID) {
				continue
			}
			if err := s.runPlan(ctx, sp, now); err != nil {
				s.logger.Error("failed to recover missed plan",
					slog.String("plan_id", sp.ID),
					slog.String("error", err.Error()),
				)
				s.release(sp.ID)
				continue
			}
			s.release(sp.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed plans", slog.Int("count", recovered))
	}
	return nil
}
