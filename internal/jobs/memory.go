// ABOUTME: In-process job queue with a bounded buffer and a worker pool
// ABOUTME: Retries with backoff inside the worker; jobs do not survive restarts

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue runs jobs on a fixed pool of goroutines.
type MemoryQueue struct {
	mu          sync.RWMutex
	tasks       map[string]Task
	jobs        chan Job
	concurrency int
	logger      *slog.Logger
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to size pending jobs, processed
// by concurrency workers. Pass nil logger for default.
func NewMemoryQueue(size, concurrency int, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &MemoryQueue{
		tasks:       make(map[string]Task),
		jobs:        make(chan Job, size),
		concurrency: concurrency,
		logger:      logger.With("component", "jobs", "backend", "memory"),
	}
}

// Register adds a task.
func (q *MemoryQueue) Register(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[task.Type] = task.withDefaults()
	return nil
}

// Enqueue buffers a job without blocking. Returns ErrQueueFull when the
// buffer is exhausted.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	q.mu.RLock()
	_, ok := q.tasks[job.Type]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, job.Type)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("job enqueued", "type", job.Type, "job_id", job.ID)
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has returned. Jobs still buffered at that point are dropped.
func (q *MemoryQueue) Run(ctx context.Context) error {
	q.logger.Info("job workers starting", "concurrency", q.concurrency)

	var wg sync.WaitGroup
	for range q.concurrency {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.process(ctx, job)
				}
			}
		})
	}
	wg.Wait()

	if n := len(q.jobs); n > 0 {
		q.logger.Warn("dropping buffered jobs on shutdown", "count", n)
	}
	q.logger.Info("job workers stopped")
	return nil
}

// Close is a no-op; Run owns the workers.
func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) process(ctx context.Context, job Job) {
	q.mu.RLock()
	task, ok := q.tasks[job.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no task registered for job", "type", job.Type, "job_id", job.ID)
		return
	}

	for n := 1; n <= task.MaxAttempts; n++ {
		attempt := Attempt{Number: n, Max: task.MaxAttempts}
		err := runAttempt(ctx, task, attempt, job)
		if err == nil {
			q.logger.Debug("job done", "type", job.Type, "job_id", job.ID, "attempt", n)
			return
		}
		if errors.Is(err, ErrAbandoned) {
			q.logger.Warn("job abandoned", "type", job.Type, "job_id", job.ID, "error", err)
			return
		}
		if attempt.Final() {
			fail(ctx, q.logger, task, job, n, err)
			return
		}

		delay := task.Backoff(n)
		q.logger.Warn("job attempt failed, retrying",
			"type", job.Type,
			"job_id", job.ID,
			"attempt", n,
			"max_attempts", task.MaxAttempts,
			"retry_in", delay,
			"error", err)

		if !sleep(ctx, delay) {
			q.logger.Warn("job interrupted by shutdown", "type", job.Type, "job_id", job.ID, "attempt", n)
			return
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
