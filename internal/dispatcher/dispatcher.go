// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/worker"
)

// drainPollInterval paces the idle checks in RunUntilDrained.
const drainPollInterval = 100 * time.Millisecond

// LenQueue is a queue that can report its backlog, needed for drain detection.
type LenQueue interface {
	crawler.Queue
	Len() int
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue    crawler.Queue
	workers  []*worker.Worker
	inflight atomic.Int64
	logger   *zap.Logger
}

// New creates a Dispatcher. All workers are wired to a shared in-flight
// counter so drain detection sees the whole pool.
func New(queue crawler.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
	for _, w := range workers {
		w.SharedInflight(&d.inflight)
	}
	return d
}

// Run starts all workers and blocks until every worker has exited, which
// happens when the context finishes or the queue closes and drains.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// RunUntilDrained runs the pool and closes the queue once the backlog is
// empty and no worker has a job in flight. Used by one-shot crawls: every
// job either enqueues children or not, so empty-and-idle means done.
func (d *Dispatcher) RunUntilDrained(ctx context.Context) error {
	q, ok := d.queue.(LenQueue)
	if !ok {
		return fmt.Errorf("queue %T does not report its length", d.queue)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go d.monitorDrain(monitorCtx, q)

	d.Run(ctx)
	return ctx.Err()
}

func (d *Dispatcher) monitorDrain(ctx context.Context, q LenQueue) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	// Two consecutive idle observations guard against the instant between a
	// dequeue and the in-flight increment.
	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() == 0 && d.inflight.Load() == 0 {
				idleTicks++
			} else {
				idleTicks = 0
			}
			if idleTicks >= 2 {
				d.logger.Info("queue drained, closing")
				if err := q.Close(); err != nil {
					d.logger.Warn("queue close failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job crawler.JobPayload) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
