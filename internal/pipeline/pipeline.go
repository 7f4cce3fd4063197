package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/pkg/schema"
)

// Entry statuses recorded in the audit trail.
const (
	StatusExecuted = "executed"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// AuditEntry records one action invocation within a pipeline run.
type AuditEntry struct {
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	BeforeLen  int       `json:"before_len"`
	AfterLen   int       `json:"after_len"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Pipeline chains registered actions over an opaque string payload.
//
// Ordering is priority ascending with ties broken by configuration
// order (stable sort). A non-critical action that fails is recorded
// and skipped, the prior payload flows on. A critical failure aborts
// the remainder of this pipeline only; the caller decides what that
// means for the enclosing run.
type Pipeline struct {
	registry *actions.Registry
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// New creates a Pipeline over the given action registry. The CEL engine
// evaluates per-action condition guards and may be shared.
func New(registry *actions.Registry, cel *expressions.CELEngine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{registry: registry, cel: cel, logger: logger}
}

// Run executes the configured actions in priority order against data.
// pctx is the shared pipeline context (query, run_id, results, ...)
// visible to templates, guards, and the actions themselves.
//
// Returns the final payload and the full audit trail. The error is
// non-nil only when a critical action failed; the trail is returned
// either way, including the failing entry.
func (p *Pipeline) Run(ctx context.Context, configs []schema.ActionConfig, data string, pctx map[string]any) (string, []AuditEntry, error) {
	if len(configs) == 0 {
		return data, nil, nil
	}

	ordered := make([]schema.ActionConfig, len(configs))
	copy(ordered, configs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	log := logging.LogWith(ctx, p.logger)
	trail := make([]AuditEntry, 0, len(ordered))
	payload := data

	for _, cfg := range ordered {
		if err := ctx.Err(); err != nil {
			return payload, trail, schema.NewErrorf(schema.ErrCodeTimeout,
				"pipeline canceled before %s: %s", cfg.Method, err.Error()).WithCause(err)
		}

		action, err := p.registry.Resolve(cfg.Method)
		if err != nil {
			// Registry is the sole gate; an unresolvable method means the
			// plan bypassed pre-flight validation. Fail closed.
			trail = append(trail, AuditEntry{
				Action: cfg.Method, Status: StatusFailed,
				BeforeLen: len(payload), AfterLen: len(payload),
				Timestamp: time.Now().UTC(), Error: err.Error(),
			})
			return payload, trail, err
		}

		// Per-action params are re-validated at execution time: a config
		// the action rejects is skipped, not executed, and the prior
		// payload flows on. Pre-flight catches these for stored plans,
		// but direct pipeline callers get the same guarantee.
		if err := action.Validate(cfg.Params); err != nil {
			trail = append(trail, AuditEntry{
				Action: cfg.Method, Status: StatusSkipped,
				BeforeLen: len(payload), AfterLen: len(payload),
				Timestamp: time.Now().UTC(), Error: err.Error(),
			})
			log.WarnContext(ctx, "action params rejected, skipping",
				slog.String("action", cfg.Method), slog.String("error", err.Error()))
			continue
		}

		if cfg.Condition != "" {
			ok, guardErr := p.cel.EvaluateBool(ctx, cfg.Condition, guardScope(payload, cfg.Params, pctx))
			if guardErr != nil {
				entry := AuditEntry{
					Action: cfg.Method, Status: StatusFailed,
					BeforeLen: len(payload), AfterLen: len(payload),
					Timestamp: time.Now().UTC(), Error: guardErr.Error(),
				}
				trail = append(trail, entry)
				if action.Critical() {
					return payload, trail, schema.NewErrorf(schema.ErrCodeActionFailed,
						"condition for critical action %s failed: %s", cfg.Method, guardErr.Error()).
						WithCause(guardErr)
				}
				log.WarnContext(ctx, "action condition errored, skipping",
					slog.String("action", cfg.Method), slog.String("error", guardErr.Error()))
				continue
			}
			if !ok {
				trail = append(trail, AuditEntry{
					Action: cfg.Method, Status: StatusSkipped,
					BeforeLen: len(payload), AfterLen: len(payload),
					Timestamp: time.Now().UTC(),
				})
				log.DebugContext(ctx, "action skipped by condition", slog.String("action", cfg.Method))
				continue
			}
		}

		start := time.Now()
		out, execErr := action.Execute(ctx, actions.ActionInput{
			Data:    payload,
			Params:  cfg.Params,
			Context: pctx,
		})
		entry := AuditEntry{
			Action:     cfg.Method,
			DurationMS: time.Since(start).Milliseconds(),
			BeforeLen:  len(payload),
			Timestamp:  start.UTC(),
		}

		if execErr != nil {
			entry.Status = StatusFailed
			entry.AfterLen = len(payload)
			entry.Error = execErr.Error()
			trail = append(trail, entry)

			if action.Critical() {
				log.ErrorContext(ctx, "critical action failed, aborting pipeline",
					slog.String("action", cfg.Method), slog.String("error", execErr.Error()))
				return payload, trail, schema.NewErrorf(schema.ErrCodeActionFailed,
					"critical action %s failed: %s", cfg.Method, execErr.Error()).WithCause(execErr)
			}
			// Fail-soft: keep the prior payload and continue.
			log.WarnContext(ctx, "action failed, continuing with prior payload",
				slog.String("action", cfg.Method), slog.String("error", execErr.Error()))
			continue
		}

		entry.Status = StatusExecuted
		entry.AfterLen = len(out)
		trail = append(trail, entry)
		payload = out

		log.DebugContext(ctx, "action executed",
			slog.String("action", cfg.Method),
			slog.Int64("duration_ms", entry.DurationMS),
			slog.Int("before_len", entry.BeforeLen),
			slog.Int("after_len", entry.AfterLen))
	}

	return payload, trail, nil
}

func guardScope(payload string, params, pctx map[string]any) map[string]any {
	scope := map[string]any{
		"data":    payload,
		"context": pctx,
	}
	if params != nil {
		scope["params"] = params
	}
	if pctx != nil {
		if res, ok := pctx[actions.CtxResults].(map[string]any); ok {
			scope["results"] = res
		}
	}
	return scope
}
