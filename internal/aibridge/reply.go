// ABOUTME: The assistant:reply job that posts AI answers into their chat
// ABOUTME: Final failures leave a system fallback message and a dead-letter record

package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/store"
)

// ReplyTaskType is the job type for assistant replies.
const ReplyTaskType = "assistant:reply"

// Reply job defaults.
const (
	DefaultReplyAttempts = 3
	DefaultReplyTimeout  = 30 * time.Second
	defaultReplyBackoff  = 2 * time.Second
	maxReplyBackoff      = time.Minute
)

// ReplyPayload is the job payload.
type ReplyPayload struct {
	RequestID string `json:"request_id"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	UserType  string `json:"user_type"`
	Content   string `json:"content"`
}

func newReplyJob(corr *Correlation, content string) (jobs.Job, error) {
	data, err := json.Marshal(ReplyPayload{
		RequestID: corr.RequestID,
		ChatID:    corr.ChatID,
		UserID:    corr.UserID,
		UserType:  corr.UserType,
		Content:   content,
	})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("encoding reply payload: %w", err)
	}
	return jobs.Job{ID: "reply:" + corr.RequestID, Type: ReplyTaskType, Payload: data}, nil
}

// Replier posts messages into chats.
type Replier interface {
	PostAssistantReply(ctx context.Context, chatID int64, content string) (*conversation.MessageView, error)
	PostSystemMessage(ctx context.Context, chatID int64, content string) (*conversation.MessageView, error)
}

// ReplyOptions tunes the reply task. Zero values take defaults.
type ReplyOptions struct {
	MaxAttempts     int
	Timeout         time.Duration
	Backoff         time.Duration
	MaxBackoff      time.Duration
	FallbackMessage string
}

// ReplyTask handles assistant:reply jobs.
type ReplyTask struct {
	replies     Replier
	deadLetters store.DeadLetterStore
	opts        ReplyOptions
	logger      *slog.Logger
}

// NewReplyTask creates the task. deadLetters may be nil.
func NewReplyTask(replies Replier, deadLetters store.DeadLetterStore, opts ReplyOptions, logger *slog.Logger) *ReplyTask {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultReplyAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReplyTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultReplyBackoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = max(opts.Backoff, maxReplyBackoff)
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = DefaultFallbackMessage
	}
	return &ReplyTask{
		replies:     replies,
		deadLetters: deadLetters,
		opts:        opts,
		logger:      logger.With("component", "ai_reply"),
	}
}

// Task returns the registration for a job queue.
func (r *ReplyTask) Task() jobs.Task {
	return jobs.Task{
		Type:        ReplyTaskType,
		Handler:     r.handle,
		MaxAttempts: r.opts.MaxAttempts,
		Timeout:     r.opts.Timeout,
		Backoff:     jobs.ExponentialBackoff(r.opts.Backoff, r.opts.MaxBackoff),
		OnFailure:   r.onFailure,
	}
}

func (r *ReplyTask) handle(ctx context.Context, attempt jobs.Attempt, job jobs.Job) error {
	var p ReplyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Abandon(fmt.Errorf("decoding reply payload: %w", err))
	}

	msg, err := r.replies.PostAssistantReply(ctx, p.ChatID, p.Content)
	switch {
	case errors.Is(err, conversation.ErrChatNotFound), errors.Is(err, conversation.ErrAccessDenied):
		r.logger.Warn("dropping assistant reply", "request_id", p.RequestID, "chat_id", p.ChatID, "error", err)
		return jobs.Abandon(err)
	case err != nil:
		r.logger.Warn("assistant reply attempt failed",
			"request_id", p.RequestID,
			"chat_id", p.ChatID,
			"attempt", attempt.Number,
			"max_attempts", attempt.Max,
			"error", err)
		return err
	}

	r.logger.Info("assistant reply posted", "request_id", p.RequestID, "chat_id", p.ChatID, "message_id", msg.ID)
	return nil
}

// onFailure leaves a system notice in the chat and records a dead letter.
func (r *ReplyTask) onFailure(ctx context.Context, job jobs.Job, attempts int, cause error) {
	var p ReplyPayload
	if err := json.Unmarshal(job.Payload, &p); err == nil && p.ChatID != 0 {
		if _, err := r.replies.PostSystemMessage(ctx, p.ChatID, r.opts.FallbackMessage); err != nil {
			r.logger.Error("posting fallback message", "chat_id", p.ChatID, "error", err)
		}
	}

	if r.deadLetters == nil {
		return
	}
	rec := &store.FailedJob{
		JobType:  job.Type,
		Payload:  job.Payload,
		Error:    cause.Error(),
		Attempts: attempts,
	}
	if err := r.deadLetters.RecordFailedJob(ctx, rec); err != nil {
		r.logger.Error("recording failed job", "job_id", job.ID, "error", err)
	}
}
