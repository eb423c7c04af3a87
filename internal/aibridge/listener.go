// ABOUTME: Turns AI worker responses into assistant:reply jobs
// ABOUTME: Each response is deduplicated, correlated, resolved to content and enqueued

package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/jobs"
)

// Listener consumes a ResponseSource.
type Listener struct {
	source       ResponseSource
	correlations *CorrelationStore
	seen         *dedupe.Cache
	queue        jobs.Enqueuer
	logger       *slog.Logger
}

// NewListener wires a listener. seen may be nil to disable deduplication.
func NewListener(source ResponseSource, correlations *CorrelationStore, seen *dedupe.Cache, enqueuer jobs.Enqueuer, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		source:       source,
		correlations: correlations,
		seen:         seen,
		queue:        enqueuer,
		logger:       logger.With("component", "ai_listener"),
	}
}

// Run processes responses until ctx is cancelled. Failures on individual
// responses are logged and never stop the loop.
func (l *Listener) Run(ctx context.Context) error {
	return l.source.Run(ctx, l.Handle)
}

// Handle processes one raw payload.
func (l *Listener) Handle(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic handling ai response", "panic", r)
		}
	}()

	requestID, err := l.process(ctx, payload)
	switch {
	case err == nil:
		l.logger.Info("ai response queued for delivery", "request_id", requestID)
	case errors.Is(err, ErrDuplicateResponse):
		l.logger.Debug("dropping duplicate ai response", "request_id", requestID)
	case errors.Is(err, ErrUnknownRequest), errors.Is(err, ErrNoResponse), errors.Is(err, ErrMalformedResponse):
		l.logger.Warn("discarding ai response", "request_id", requestID, "error", err)
	default:
		l.logger.Error("processing ai response", "request_id", requestID, "error", err)
	}
}

func (l *Listener) process(ctx context.Context, payload []byte) (string, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	requestID := resp.Key()
	if requestID == "" {
		return "", fmt.Errorf("%w: no request id", ErrMalformedResponse)
	}

	if l.seen != nil && l.seen.Seen(requestID) {
		return requestID, ErrDuplicateResponse
	}

	corr, err := l.correlations.Take(ctx, requestID)
	if err != nil {
		return requestID, err
	}

	var content string
	if resp.Response != nil {
		content = *resp.Response
	} else if content, err = l.correlations.TakeResponse(ctx, requestID); err != nil {
		// A missing response is final; a transport error may clear up on redelivery.
		if !errors.Is(err, ErrNoResponse) {
			l.restore(ctx, corr)
		}
		return requestID, err
	}

	job, err := newReplyJob(corr, content)
	if err != nil {
		return requestID, err
	}
	_, err = l.queue.Enqueue(ctx, job)
	if errors.Is(err, jobs.ErrDuplicateJob) {
		l.markSeen(requestID)
		return requestID, ErrDuplicateResponse
	}
	if err != nil {
		l.restore(ctx, corr)
		return requestID, fmt.Errorf("enqueueing reply: %w", err)
	}

	l.markSeen(requestID)
	return requestID, nil
}

// restore puts a taken correlation back so a redelivered response can retry.
func (l *Listener) restore(ctx context.Context, corr *Correlation) {
	if err := l.correlations.Restore(ctx, corr); err != nil {
		l.logger.Error("failed to restore correlation", "request_id", corr.RequestID, "error", err)
	}
}

func (l *Listener) markSeen(requestID string) {
	if l.seen != nil {
		l.seen.Mark(requestID)
	}
}
