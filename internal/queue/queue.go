// Package queue implements the Indexing Queue (C5): a priority queue of
// directory indexing work with in-flight deduplication and a bounded
// worker pool.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
)

// Task is one unit of indexing work: "run the directory indexer on this
// directory". Lower Priority runs first; ties break FIFO by enqueue order.
type Task struct {
	DirectoryID   int64
	DirectoryPath string
	Priority      int

	seq int64
}

type taskKey struct {
	directoryID int64
}

// taskHeap is a container/heap min-heap ordered by (Priority, seq).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the priority queue plus in-flight dedup set described in §4.5
// and §5: a single mutex guards both, since the dedup decision and the
// heap mutation must be atomic with respect to one another.
type Queue struct {
	mu       sync.Mutex
	heap     taskHeap
	inFlight map[taskKey]struct{}
	nextSeq  int64
	notEmpty chan struct{}

	closed bool
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		inFlight: make(map[taskKey]struct{}),
		notEmpty: make(chan struct{}, 1),
	}
}

// Enqueue schedules a directory for indexing at the given priority. It is
// a no-op if the directory is already in-flight (queued or being worked
// on), satisfying the idempotent-event-handling requirement of §4.7.
func (q *Queue) Enqueue(_ context.Context, directoryID int64, directoryPath string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	key := taskKey{directoryID: directoryID}
	if _, ok := q.inFlight[key]; ok {
		return nil
	}
	q.inFlight[key] = struct{}{}

	heap.Push(&q.heap, &Task{
		DirectoryID:   directoryID,
		DirectoryPath: directoryPath,
		Priority:      priority,
		seq:           q.nextSeq,
	})
	q.nextSeq++

	q.signal()
	return nil
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// dequeue blocks until a task is available, the queue is closed and
// drained, or ctx is cancelled.
func (q *Queue) dequeue(ctx context.Context) (*Task, bool) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			t := heap.Pop(&q.heap).(*Task)
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		if closed {
			// Pass the wake-up on so every other blocked worker also
			// observes the close.
			q.signal()
		}
		q.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-q.notEmpty:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Done removes directoryID from the in-flight set, allowing a later
// Enqueue for the same directory to be accepted. Must be called exactly
// once after a worker finishes processing a Task returned by dequeue.
func (q *Queue) Done(directoryID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, taskKey{directoryID: directoryID})
}

// Len returns the number of tasks currently queued (not counting the task
// a worker may currently be running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// InFlight reports whether directoryID is currently queued or being
// worked on.
func (q *Queue) InFlight(directoryID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[taskKey{directoryID: directoryID}]
	return ok
}

// Close marks the queue closed: no further tasks are accepted, but
// workers already blocked in dequeue wake and drain whatever remains
// queued before stopping. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.signal()
	q.mu.Unlock()
}
