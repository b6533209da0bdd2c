// Package memory provides the in-process job queue used by oneshot runs
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Queue is a bounded in-memory job queue with context-aware operations.
// Closing never drops jobs that are already enqueued: Dequeue drains the
// buffer before reporting ErrQueueClosed.
type Queue struct {
	ch   chan crawler.JobPayload
	done chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan crawler.JobPayload, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job or returns when the context ends or the queue is
// closed.
func (q *Queue) Enqueue(ctx context.Context, job crawler.JobPayload) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation. After Close
// it keeps returning buffered jobs until the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (crawler.JobPayload, error) {
	select {
	case <-ctx.Done():
		return crawler.JobPayload{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job := <-q.ch:
		return job, nil
	case <-q.done:
		select {
		case job := <-q.ch:
			return job, nil
		default:
			return crawler.JobPayload{}, crawler.ErrQueueClosed
		}
	}
}

// Len reports the number of buffered jobs; the dispatcher uses it to
// detect drain.
func (q *Queue) Len() int { return len(q.ch) }

// Closed reports whether Close has been called; the readiness probe uses it.
func (q *Queue) Closed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

// Close marks the queue closed. Idempotent.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
	return nil
}
