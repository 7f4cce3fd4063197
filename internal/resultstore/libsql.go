package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ensemble/pkg/schema"
)

// LibSQLStore persists node results in a libSQL database so batches
// survive process restarts. One table, upsert on (batch_id, node_id).
// A janitor goroutine deletes expired rows on a fixed cadence.
type LibSQLStore struct {
	db  *sql.DB
	ttl time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLibSQLStore opens (or reuses) a libSQL database at the given path
// and ensures the results table exists. ttl <= 0 uses DefaultTTL.
func NewLibSQLStore(dbPath string, ttl time.Duration) (*LibSQLStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS node_results (
		batch_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		data TEXT NOT NULL,
		metadata TEXT,
		stored_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		PRIMARY KEY (batch_id, node_id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create node_results: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_node_results_expires ON node_results(expires_at)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index node_results: %w", err)
	}

	s := &LibSQLStore{db: db, ttl: ttl, stop: make(chan struct{})}
	go s.janitor(janitorInterval(ttl))
	return s, nil
}

func (s *LibSQLStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Purge(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *LibSQLStore) Put(ctx context.Context, batchID, nodeID, data string, metadata map[string]any) error {
	var meta any
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(raw)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (batch_id, node_id, data, metadata, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id, node_id) DO UPDATE SET
		   data=excluded.data, metadata=excluded.metadata,
		   stored_at=excluded.stored_at, expires_at=excluded.expires_at`,
		batchID, nodeID, data, meta, now, now.Add(s.ttl),
	)
	return err
}

func (s *LibSQLStore) Get(ctx context.Context, batchID, nodeID string) (*Entry, error) {
	e := &Entry{BatchID: batchID, NodeID: nodeID}
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT data, metadata, stored_at, expires_at FROM node_results
		 WHERE batch_id = ? AND node_id = ? AND expires_at > ?`,
		batchID, nodeID, time.Now().UTC(),
	).Scan(&e.Data, &meta, &e.StoredAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"result for batch %s node %s not found", batchID, nodeID)
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return e, nil
}

func (s *LibSQLStore) Has(ctx context.Context, batchID, nodeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM node_results WHERE batch_id = ? AND node_id = ? AND expires_at > ?`,
		batchID, nodeID, time.Now().UTC(),
	).Scan(&n)
	return n > 0, err
}

func (s *LibSQLStore) List(ctx context.Context, batchID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, data FROM node_results WHERE batch_id = ? AND expires_at > ?`,
		batchID, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var nodeID, data string
		if err := rows.Scan(&nodeID, &data); err != nil {
			return nil, err
		}
		out[nodeID] = data
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Count(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM node_results WHERE batch_id = ? AND expires_at > ?`,
		batchID, time.Now().UTC(),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) Delete(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_results WHERE batch_id = ?`, batchID)
	return err
}

func (s *LibSQLStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM node_results WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}

var _ Store = (*LibSQLStore)(nil)
