package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, batch_id, query, strategy, plan, status, require_all_nodes, node_count, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.BatchID), run.Query, string(run.Strategy), string(plan),
		string(run.Status), boolToInt(run.RequireAllNodes), run.NodeCount,
		nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, batch_id, query, strategy, plan, status, require_all_nodes, node_count, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.BatchID != nil {
		sets = append(sets, "batch_id = ?")
		args = append(args, *update.BatchID)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Strategy != nil {
		where = append(where, "strategy = ?")
		args = append(args, string(*filter.Strategy))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, batch_id, query, strategy, plan, status, require_all_nodes, node_count, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(scan func(...any) error) (*Run, error) {
	run := &Run{}
	var (
		batchID                sql.NullString
		planJSON, strategy     string
		status                 string
		requireAll             int
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := scan(&run.ID, &batchID, &run.Query, &strategy, &planJSON, &status, &requireAll,
		&run.NodeCount, &outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.BatchID = batchID.String
	run.Strategy = schema.StrategyType(strategy)
	run.Status = schema.RunStatus(status)
	run.RequireAllNodes = requireAll != 0
	if err := json.Unmarshal([]byte(planJSON), &run.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node Executions ---

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, exec *NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (run_id, node_id, capability, status, input, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   capability=excluded.capability, status=excluded.status, input=excluded.input,
		   output=excluded.output, error=excluded.error, attempts=excluded.attempts,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		exec.RunID, exec.NodeID, exec.Capability, string(exec.Status),
		nullRaw(exec.Input), nullRaw(exec.Output), nullRaw(exec.Error),
		exec.Attempts, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, runID, nodeID string) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var status string
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, capability, status, input, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_executions WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&ne.RunID, &ne.NodeID, &ne.Capability, &status, &input, &output, &errJSON,
		&ne.Attempts, &startedAt, &completedAt, &ne.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_execution", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	ne.Status = schema.NodeStatus(status)
	ne.Input = rawOrNil(input)
	ne.Output = rawOrNil(output)
	ne.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ne.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ne.CompletedAt = &completedAt.Time
	}
	return ne, nil
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, runID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, capability, status, input, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_executions WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*NodeExecution
	for rows.Next() {
		ne := &NodeExecution{}
		var status string
		var input, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ne.RunID, &ne.NodeID, &ne.Capability, &status, &input, &output, &errJSON,
			&ne.Attempts, &startedAt, &completedAt, &ne.DurationMs); err != nil {
			return nil, err
		}
		ne.Status = schema.NodeStatus(status)
		ne.Input = rawOrNil(input)
		ne.Output = rawOrNil(output)
		ne.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ne.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ne.CompletedAt = &completedAt.Time
		}
		execs = append(execs, ne)
	}
	return execs, rows.Err()
}

// --- Scheduled Plans ---

func (s *LibSQLStore) CreateScheduledPlan(ctx context.Context, plan *ScheduledPlan) error {
	planJSON, err := json.Marshal(plan.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_plans (id, name, cron_expr, plan, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Name, plan.CronExpr, string(planJSON), boolToInt(plan.Enabled),
		nullTime(plan.LastRunAt), nullTime(plan.NextRunAt), nullStr(plan.LastRunStatus),
		timeOrNow(plan.CreatedAt), timeOrNow(plan.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledPlan(ctx context.Context, id string) (*ScheduledPlan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, plan, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_plans WHERE id = ?`, id,
	)
	sp, err := scanScheduledPlan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_plan", id)
	}
	return sp, err
}

func (s *LibSQLStore) UpdateScheduledPlan(ctx context.Context, id string, update ScheduledPlanUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_plans SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_plan", id)
}

func (s *LibSQLStore) ListScheduledPlans(ctx context.Context, filter ScheduledPlanFilter) ([]*ScheduledPlan, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, name, cron_expr, plan, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at FROM scheduled_plans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*ScheduledPlan
	for rows.Next() {
		sp, err := scanScheduledPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		plans = append(plans, sp)
	}
	return plans, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledPlan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_plans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_plan", id)
}

func scanScheduledPlan(scan func(...any) error) (*ScheduledPlan, error) {
	sp := &ScheduledPlan{}
	var planJSON string
	var enabled int
	var lastRunAt, nextRunAt sql.NullTime
	var lastRunStatus sql.NullString
	err := scan(&sp.ID, &sp.Name, &sp.CronExpr, &planJSON, &enabled,
		&lastRunAt, &nextRunAt, &lastRunStatus, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sp.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(planJSON), &sp.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	sp.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		sp.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sp.NextRunAt = &nextRunAt.Time
	}
	return sp, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EnsembleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
