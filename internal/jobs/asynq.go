// ABOUTME: Redis-backed job queue built on hibiken/asynq
// ABOUTME: Maps the Task retry policy onto asynq retries, timeouts and SkipRetry

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// AsynqConfig tunes the asynq backend.
type AsynqConfig struct {
	Queue       string
	Concurrency int
}

// AsynqQueue implements Queue on asynq. Jobs are durable in Redis and can be
// processed by any instance running the same tasks.
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	queue  string

	mu     sync.RWMutex
	tasks  map[string]Task
	logger *slog.Logger
}

var _ Queue = (*AsynqQueue)(nil)

// NewAsynqQueue creates the client and server halves. Nothing connects to
// Redis until the first Enqueue or Run.
func NewAsynqQueue(redisOpt asynq.RedisConnOpt, cfg AsynqConfig, logger *slog.Logger) *AsynqQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	q := &AsynqQueue{
		client: asynq.NewClient(redisOpt),
		mux:    asynq.NewServeMux(),
		queue:  cfg.Queue,
		tasks:  make(map[string]Task),
		logger: logger.With("component", "jobs", "backend", "asynq"),
	}

	q.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         map[string]int{cfg.Queue: 1},
		RetryDelayFunc: q.retryDelay,
		Logger:         &asynqLogger{logger: q.logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			q.logger.Debug("asynq task error", "type", task.Type(), "error", err)
		}),
	})
	return q
}

// Register adds a task and its asynq handler.
func (q *AsynqQueue) Register(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	task = task.withDefaults()

	q.mu.Lock()
	q.tasks[task.Type] = task
	q.mu.Unlock()

	q.mux.HandleFunc(task.Type, q.handler(task))
	return nil
}

// handler adapts a Task to asynq. Attempt numbers come from the retry
// counters asynq stores in the context.
func (q *AsynqQueue) handler(task Task) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		attempt := attemptFromContext(ctx, task.MaxAttempts)
		id, _ := asynq.GetTaskID(ctx)
		job := Job{ID: id, Type: t.Type(), Payload: t.Payload()}

		err := runAttempt(ctx, task, attempt, job)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAbandoned) {
			q.logger.Warn("job abandoned", "type", job.Type, "job_id", job.ID, "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if attempt.Final() {
			fail(ctx, q.logger, task, job, attempt.Number, err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}

		q.logger.Warn("job attempt failed, retrying",
			"type", job.Type,
			"job_id", job.ID,
			"attempt", attempt.Number,
			"max_attempts", attempt.Max,
			"error", err)
		return err
	}
}

func attemptFromContext(ctx context.Context, fallbackMax int) Attempt {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return Attempt{Number: 1, Max: fallbackMax}
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return Attempt{Number: retried + 1, Max: fallbackMax}
	}
	return Attempt{Number: retried + 1, Max: maxRetry + 1}
}

// retryDelay consults the task's backoff; n is how many times the task has
// already been retried.
func (q *AsynqQueue) retryDelay(n int, err error, t *asynq.Task) time.Duration {
	q.mu.RLock()
	task, ok := q.tasks[t.Type()]
	q.mu.RUnlock()
	if !ok {
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
	return task.Backoff(n + 1)
}

// Enqueue submits a job. A non-empty job.ID is used as the asynq task id,
// so enqueueing the same id twice yields ErrDuplicateJob.
func (q *AsynqQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	q.mu.RLock()
	task, ok := q.tasks[job.Type]
	q.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, job.Type)
	}

	opts := []asynq.Option{
		asynq.Queue(q.queue),
		asynq.MaxRetry(task.MaxAttempts - 1),
	}
	if task.Timeout > 0 {
		opts = append(opts, asynq.Timeout(task.Timeout))
	}
	if job.ID != "" {
		opts = append(opts, asynq.TaskID(job.ID))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(job.Type, job.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", job.Type, err)
	}

	q.logger.Debug("job enqueued", "type", job.Type, "job_id", info.ID, "queue", info.Queue)
	return info.ID, nil
}

// Run starts the asynq server and blocks until ctx is cancelled, then shuts
// it down gracefully.
func (q *AsynqQueue) Run(ctx context.Context) error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	q.logger.Info("asynq workers started", "queue", q.queue)

	<-ctx.Done()
	q.server.Shutdown()
	q.logger.Info("asynq workers stopped")
	return nil
}

// Close releases the enqueue client.
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...any) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...any)  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...any)  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...any) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
