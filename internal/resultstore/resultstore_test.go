package resultstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

// storeFactories builds both backends so every test runs against each.
func storeFactories(t *testing.T) map[string]func(ttl time.Duration) Store {
	t.Helper()
	return map[string]func(ttl time.Duration) Store{
		"memory": func(ttl time.Duration) Store {
			s := NewMemoryStore(ttl)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"libsql": func(ttl time.Duration) Store {
			dbPath := filepath.Join(t.TempDir(), "results.db")
			s, err := NewLibSQLStore("file:"+dbPath, ttl)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestPutGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "batch-1", "n1", "findings", map[string]any{"agent": "research"}))

			got, err := s.Get(ctx, "batch-1", "n1")
			require.NoError(t, err)
			assert.Equal(t, "findings", got.Data)
			assert.Equal(t, "research", got.Metadata["agent"])
			assert.False(t, got.StoredAt.IsZero())
			assert.True(t, got.ExpiresAt.After(got.StoredAt))
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			_, err := s.Get(context.Background(), "ghost", "n1")
			require.Error(t, err)

			ensErr, ok := err.(*schema.EnsembleError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeNotFound, ensErr.Code)
		})
	}
}

func TestHas(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			ok, err := s.Has(ctx, "batch-1", "n1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, "batch-1", "n1", "data", nil))

			ok, err = s.Has(ctx, "batch-1", "n1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Has(ctx, "batch-1", "n2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPut_LastWriteWins(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "batch-1", "n1", "first", nil))
			require.NoError(t, s.Put(ctx, "batch-1", "n1", "second", nil))

			got, err := s.Get(ctx, "batch-1", "n1")
			require.NoError(t, err)
			assert.Equal(t, "second", got.Data)

			n, err := s.Count(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestListAndCount_BatchIsolation(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "batch-1", "n1", "a", nil))
			require.NoError(t, s.Put(ctx, "batch-1", "n2", "b", nil))
			require.NoError(t, s.Put(ctx, "batch-2", "n1", "other", nil))

			results, err := s.List(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"n1": "a", "n2": "b"}, results)

			n, err := s.Count(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			n, err = s.Count(ctx, "batch-2")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "batch-1", "n1", "a", nil))
			require.NoError(t, s.Delete(ctx, "batch-1"))

			n, err := s.Count(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestConcurrentPuts(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(0)
			ctx := context.Background()

			const n = 10
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func(i int) {
					defer wg.Done()
					nodeID := string(rune('a' + i))
					_ = s.Put(ctx, "batch-1", nodeID, "data-"+nodeID, nil)
				}(i)
			}
			wg.Wait()

			count, err := s.Count(ctx, "batch-1")
			require.NoError(t, err)
			assert.Equal(t, n, count)
		})
	}
}

func TestTTLExpiry_Memory(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, "batch-1", "n1", "data", nil))

	// Still visible just before expiry.
	s.now = func() time.Time { return base.Add(59 * time.Minute) }
	_, err := s.Get(ctx, "batch-1", "n1")
	require.NoError(t, err)

	// Gone at expiry.
	s.now = func() time.Time { return base.Add(61 * time.Minute) }
	_, err = s.Get(ctx, "batch-1", "n1")
	require.Error(t, err)

	results, err := s.List(ctx, "batch-1")
	require.NoError(t, err)
	assert.Empty(t, results)

	removed, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestJanitorFreesExpiredEntries_Memory(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "batch-1", "n1", "data", nil))

	// The janitor must actually free the entry, not just hide it.
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJanitorFreesExpiredRows_LibSQL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")
	s, err := NewLibSQLStore("file:"+dbPath, 20*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "batch-1", "n1", "data", nil))

	// Count raw rows, ignoring the expiry filter the readers apply.
	require.Eventually(t, func() bool {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM node_results`).Scan(&n); err != nil {
			return false
		}
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTTLExpiry_LibSQL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "results.db")
	s, err := NewLibSQLStore("file:"+dbPath, 10*time.Millisecond)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "batch-1", "n1", "data", nil))
	time.Sleep(30 * time.Millisecond)

	_, err = s.Get(ctx, "batch-1", "n1")
	require.Error(t, err)

	removed, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
