package resultstore

import (
	"context"
	"time"
)

// DefaultTTL is how long node results stay retrievable after storage.
const DefaultTTL = 6 * time.Hour

// janitorInterval spaces out expired-entry sweeps: half the TTL, so an
// entry lives at most 1.5x its TTL before its memory or row is freed.
func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// Entry is one stored node result, keyed by (batch, node).
type Entry struct {
	BatchID   string         `json:"batch_id"`
	NodeID    string         `json:"node_id"`
	Data      string         `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StoredAt  time.Time      `json:"stored_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Store holds intermediate node results during batch execution. Writes
// for the same (batch, node) key overwrite: last write wins. Entries
// expire after the store's TTL; expired entries behave as absent.
//
// Implementations must be safe for concurrent use — parallel node jobs
// of one batch write simultaneously.
type Store interface {
	// Put stores or overwrites the result for (batchID, nodeID).
	Put(ctx context.Context, batchID, nodeID, data string, metadata map[string]any) error

	// Get retrieves one result. Returns a NOT_FOUND error for missing
	// or expired entries.
	Get(ctx context.Context, batchID, nodeID string) (*Entry, error)

	// Has reports whether an unexpired result exists for (batchID, nodeID).
	Has(ctx context.Context, batchID, nodeID string) (bool, error)

	// List returns all unexpired results of a batch as nodeID -> data.
	List(ctx context.Context, batchID string) (map[string]string, error)

	// Count returns the number of unexpired results stored for a batch.
	Count(ctx context.Context, batchID string) (int, error)

	// Delete removes all results of a batch.
	Delete(ctx context.Context, batchID string) error

	// Purge removes every expired entry and reports how many went.
	Purge(ctx context.Context) (int, error)

	Close() error
}
