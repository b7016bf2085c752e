package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesEnqueuedTasksAndMarksDone(t *testing.T) {
	// Given: a pool of 2 workers and a handler that records directory ids
	q := New()
	var mu sync.Mutex
	var seen []int64
	handler := func(_ context.Context, directoryID int64, _ string) error {
		mu.Lock()
		seen = append(seen, directoryID)
		mu.Unlock()
		return nil
	}
	pool := NewPool(q, handler, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// When: three directories are enqueued
	require.NoError(t, q.Enqueue(ctx, 1, "/a", 0))
	require.NoError(t, q.Enqueue(ctx, 2, "/b", 0))
	require.NoError(t, q.Enqueue(ctx, 3, "/c", 0))

	// Then: all three are eventually processed and removed from in-flight
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 10*time.Millisecond)

	assert.False(t, q.InFlight(1))
	assert.False(t, q.InFlight(2))
	assert.False(t, q.InFlight(3))
}

func TestPool_HandlerErrorDoesNotStopWorker(t *testing.T) {
	// Given: a handler that always fails
	q := New()
	var calls int
	var mu sync.Mutex
	handler := func(_ context.Context, directoryID int64, _ string) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return assert.AnError
	}
	pool := NewPool(q, handler, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// When: two directories are enqueued
	require.NoError(t, q.Enqueue(ctx, 1, "/a", 0))
	require.NoError(t, q.Enqueue(ctx, 2, "/b", 0))

	// Then: the worker keeps running and handles both despite errors
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPool_StopDrainsQueuedWorkThenReturns(t *testing.T) {
	// Given: a running pool with queued work
	q := New()
	processed := make(chan int64, 8)
	handler := func(_ context.Context, directoryID int64, _ string) error {
		processed <- directoryID
		return nil
	}
	pool := NewPool(q, handler, 1)
	ctx := context.Background()
	pool.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, 1, "/a", 0))
	require.NoError(t, q.Enqueue(ctx, 2, "/b", 0))

	// When: Stop is called
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	// Then: it returns once all queued work has drained
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Len(t, processed, 2)

	// And: new enqueues are rejected after Stop
	assert.Error(t, q.Enqueue(ctx, 3, "/c", 0))
}
