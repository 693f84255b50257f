// Package queue runs manual sync requests on a fixed pool of workers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of background work.
type Job func(ctx context.Context) error

// ErrorHandler receives the error of a failed job together with its name.
type ErrorHandler func(name string, err error)

type namedJob struct {
	name string
	run  Job
}

// Queue is a bounded in-memory job queue served by a fixed worker pool.
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan namedJob
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
	Pending   int
}

// New creates a queue with at least one worker and one slot.
func New(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan namedJob, capacity),
	}
}

func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start launches the workers. They exit when the queue is shut down or ctx is
// cancelled. On cancellation the jobs still buffered run once with the done
// ctx so they can fail fast and release what they hold.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			n := q.drain(ctx, id)
			q.logger.Debug("sync worker stopped", slog.Int("worker_id", id), slog.Int("drained", n))
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.execute(ctx, job, id)
		}
	}
}

func (q *Queue) drain(ctx context.Context, workerID int) int {
	n := 0
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return n
			}
			q.execute(ctx, job, workerID)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) execute(ctx context.Context, job namedJob, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.stats.processed.Add(1)
			q.logger.Error("sync job panic recovered",
				slog.String("job", job.name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if q.errorHandler != nil {
				q.errorHandler(job.name, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	err := job.run(ctx)
	q.stats.processed.Add(1)
	if err != nil {
		q.stats.failed.Add(1)
		q.logger.Warn("sync job failed",
			slog.String("job", job.name),
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(job.name, err)
		}
		return
	}
	q.stats.succeeded.Add(1)
}

// Enqueue adds a job without blocking. It returns false when the queue is
// closed or full.
func (q *Queue) Enqueue(name string, job Job) bool {
	if job == nil || q.closed.Load() {
		return false
	}
	select {
	case q.jobs <- namedJob{name: name, run: job}:
		q.stats.enqueued.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("sync queue full, drop job",
			slog.String("job", name),
			slog.Int("capacity", cap(q.jobs)))
		return false
	}
}

// ShutdownWithTimeout rejects new jobs and waits up to timeout for the
// workers to finish the queued ones.
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}
	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// workers stopped by ctx leave anything enqueued after they exited
		stopped, cancel := context.WithCancel(context.Background())
		cancel()
		if n := q.drain(stopped, -1); n > 0 {
			q.logger.Warn("sync jobs cancelled at shutdown", slog.Int("count", n))
		}
		q.logger.Info("sync queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("sync queue shutdown timeout", slog.Duration("timeout", timeout))
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats is served on the health endpoint.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		Pending:   len(q.jobs),
	}
}
