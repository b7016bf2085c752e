package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Handler runs the directory indexer (C6) on one directory.
type Handler func(ctx context.Context, directoryID int64, directoryPath string) error

// Pool is a bounded worker pool draining a Queue. It generalizes the
// teacher's single-goroutine stopCh/doneCh background indexer to N
// concurrent workers, fanned in with an errgroup so Stop can observe
// every worker's exit before returning.
type Pool struct {
	queue   *Queue
	handler Handler
	size    int

	group *errgroup.Group
}

// NewPool creates a Pool of the given size draining queue with handler.
// size is clamped to at least 1.
func NewPool(queue *Queue, handler Handler, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{queue: queue, handler: handler, size: size}
}

// Start launches the worker goroutines against ctx. Each worker loops:
// dequeue a task, run the handler, mark it done, repeat. A handler error
// is logged and does not stop the worker — the task's directory simply
// remains (partially) unindexed for the next pass to retry, per §4.6's
// failure semantics. ctx is passed through to each Handler call uncut;
// Stop never cancels a task already in progress.
func (p *Pool) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			p.run(gctx)
			return nil
		})
	}
}

func (p *Pool) run(ctx context.Context) {
	for {
		task, ok := p.queue.dequeue(ctx)
		if !ok {
			return
		}
		if err := p.handler(ctx, task.DirectoryID, task.DirectoryPath); err != nil {
			slog.Error("indexing_task_failed",
				slog.Int64("directory_id", task.DirectoryID),
				slog.String("directory_path", task.DirectoryPath),
				slog.String("error", err.Error()),
			)
		}
		p.queue.Done(task.DirectoryID)
	}
}

// Stop closes the queue (rejecting new enqueues) and blocks until every
// worker has drained the remaining queued tasks, finished whatever task
// it was running, and exited. Running tasks are never interrupted.
func (p *Pool) Stop() {
	p.queue.Close()
	if p.group != nil {
		_ = p.group.Wait()
	}
}
