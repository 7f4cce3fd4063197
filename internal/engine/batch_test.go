package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestBatchContext_TriggersExactlyOnce(t *testing.T) {
	const nodes = 32
	batch := NewBatchContext("run-1", "batch-1", nodes)

	var fired atomic.Int64
	batch.SetOnComplete(func(context.Context) { fired.Add(1) })

	var trues atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func(failed bool) {
			defer wg.Done()
			if batch.NodeDone(context.Background(), failed) {
				trues.Add(1)
			}
		}(i%3 == 0)
	}
	wg.Wait()

	assert.Equal(t, int64(1), trues.Load())
	assert.Equal(t, int64(1), fired.Load())
	assert.Equal(t, int64(nodes), batch.CompletedCount())
	assert.Equal(t, int64(11), batch.FailedCount())
}

func TestBatchContext_NoTriggerBeforeLastNode(t *testing.T) {
	batch := NewBatchContext("run-1", "batch-1", 3)
	fired := false
	batch.SetOnComplete(func(context.Context) { fired = true })

	assert.False(t, batch.NodeDone(context.Background(), false))
	assert.False(t, batch.NodeDone(context.Background(), true))
	assert.False(t, fired)

	assert.True(t, batch.NodeDone(context.Background(), false))
	assert.True(t, fired)
}

func TestBatchHandle_ResultBeforeDone(t *testing.T) {
	h := newBatchHandle("run-1", "batch-1")
	_, err := h.Result()
	require.Error(t, err)

	ensErr, ok := err.(*schema.EnsembleError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, ensErr.Code)
}

func TestBatchHandle_CompleteIsIdempotent(t *testing.T) {
	h := newBatchHandle("run-1", "batch-1")
	h.complete("first", nil)
	h.complete("second", assert.AnError)

	<-h.Done()
	out, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestBatchHandle_WaitTimeout(t *testing.T) {
	h := newBatchHandle("run-1", "batch-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	require.Error(t, err)

	ensErr, ok := err.(*schema.EnsembleError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeTimeout, ensErr.Code)
}
