package resultstore

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// MemoryStore is an in-process Store for tests and single-node setups.
// A janitor goroutine frees expired entries so long-lived processes
// don't accumulate dead batches.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]map[string]*Entry // batchID -> nodeID -> entry

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time // overridable in tests
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]map[string]*Entry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go s.janitor(janitorInterval(ttl))
	return s
}

func (s *MemoryStore) janitor(interval time.Duration) {
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

func (s *MemoryStore) Put(_ context.Context, batchID, nodeID, data string, metadata map[string]any) error {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.entries[batchID]
	if !ok {
		batch = make(map[string]*Entry)
		s.entries[batchID] = batch
	}
	batch[nodeID] = &Entry{
		BatchID:   batchID,
		NodeID:    nodeID,
		Data:      data,
		Metadata:  metadata,
		StoredAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID, nodeID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[batchID][nodeID]
	if !ok || s.expired(entry) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"result for batch %s node %s not found", batchID, nodeID)
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) Has(_ context.Context, batchID, nodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[batchID][nodeID]
	return ok && !s.expired(entry), nil
}

func (s *MemoryStore) List(_ context.Context, batchID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for nodeID, entry := range s.entries[batchID] {
		if s.expired(entry) {
			continue
		}
		out[nodeID] = entry.Data
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, batchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entry := range s.entries[batchID] {
		if !s.expired(entry) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, batchID)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for batchID, batch := range s.entries {
		for nodeID, entry := range batch {
			if s.expired(entry) {
				delete(batch, nodeID)
				removed++
			}
		}
		if len(batch) == 0 {
			delete(s.entries, batchID)
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) expired(e *Entry) bool {
	return !s.now().UTC().Before(e.ExpiresAt)
}

var _ Store = (*MemoryStore)(nil)
