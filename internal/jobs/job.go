// ABOUTME: Explicit background task model shared by every queue backend
// ABOUTME: A Task bounds attempts, times each attempt, backs off and has a terminal hook

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var (
	// ErrAbandoned marks a job that can never succeed. It is not retried
	// and the failure hook does not run.
	ErrAbandoned = errors.New("job abandoned")
	// ErrUnknownType is returned when enqueueing a type with no registered task.
	ErrUnknownType = errors.New("unknown job type")
	// ErrQueueFull is returned by bounded in-memory queues.
	ErrQueueFull = errors.New("queue full")
	// ErrDuplicateJob is returned when a job id is already queued.
	ErrDuplicateJob = errors.New("duplicate job id")
)

// Abandon wraps err so the runner stops without retrying.
func Abandon(err error) error {
	return fmt.Errorf("%w: %w", ErrAbandoned, err)
}

// Job is one unit of work. Payload encoding is up to the task.
type Job struct {
	ID      string
	Type    string
	Payload []byte
}

// Attempt tells a handler where it stands in the retry budget.
// Number is 1-based.
type Attempt struct {
	Number int
	Max    int
}

// Final reports whether no retry will follow a failure of this attempt.
func (a Attempt) Final() bool {
	return a.Number >= a.Max
}

// Handler processes one attempt of a job.
type Handler func(ctx context.Context, attempt Attempt, job Job) error

// FailureHook runs once after the last attempt fails.
type FailureHook func(ctx context.Context, job Job, attempts int, err error)

// BackoffFunc returns the delay after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Task binds a job type to its handler and retry policy.
type Task struct {
	Type        string
	Handler     Handler
	MaxAttempts int
	Timeout     time.Duration
	Backoff     BackoffFunc
	OnFailure   FailureHook
}

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Queue is a job backend: tasks are registered before Run.
type Queue interface {
	Enqueuer
	Register(task Task) error
	// Run processes jobs until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

// ExponentialBackoff doubles base per attempt, capped at ceiling.
func ExponentialBackoff(base, ceiling time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		return min(d, ceiling)
	}
}

func (t Task) validate() error {
	if t.Type == "" {
		return errors.New("task type is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("task %s: handler is required", t.Type)
	}
	return nil
}

// withDefaults fills in a single attempt and no delay.
func (t Task) withDefaults() Task {
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	if t.Backoff == nil {
		t.Backoff = func(int) time.Duration { return 0 }
	}
	return t
}

// runAttempt executes one attempt under the task timeout, turning panics
// into errors.
func runAttempt(ctx context.Context, task Task, attempt Attempt, job Job) (err error) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.Type, r, debug.Stack())
		}
	}()

	return task.Handler(ctx, attempt, job)
}

// failureHookTimeout bounds the terminal hook. The hook gets a fresh
// context because the attempt's context may already be expired or canceled.
const failureHookTimeout = 10 * time.Second

// fail runs the terminal hook, if any.
func fail(ctx context.Context, logger *slog.Logger, task Task, job Job, attempts int, err error) {
	logger.Error("job failed permanently",
		"type", job.Type,
		"job_id", job.ID,
		"attempts", attempts,
		"error", err)
	if task.OnFailure == nil {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureHookTimeout)
	defer cancel()
	task.OnFailure(hookCtx, job, attempts, err)
}
