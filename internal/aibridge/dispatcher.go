// ABOUTME: Sends chat messages to the external AI worker over a Redis list
// ABOUTME: Saves the correlation first so the response can always find its chat

package aibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chat/internal/conversation"
)

// Dispatcher pushes AI requests for the worker to pick up.
type Dispatcher struct {
	client       redis.Cmdable
	correlations *CorrelationStore
	requestsKey  string
	logger       *slog.Logger
	newID        func() string
}

var _ conversation.AIDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher pushing onto requestsKey.
// Pass nil logger for default.
func NewDispatcher(client redis.Cmdable, correlations *CorrelationStore, requestsKey string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsKey == "" {
		requestsKey = DefaultRequestsKey
	}
	return &Dispatcher{
		client:       client,
		correlations: correlations,
		requestsKey:  requestsKey,
		logger:       logger.With("component", "ai_dispatcher"),
		newID:        func() string { return uuid.New().String() },
	}
}

// Dispatch saves a correlation and enqueues the request. If the push fails
// the correlation is removed again so nothing dangles until the TTL.
func (d *Dispatcher) Dispatch(ctx context.Context, req conversation.AIRequest) (string, error) {
	requestID := d.newID()

	corr := &Correlation{
		RequestID: requestID,
		ChatID:    req.ChatID,
		UserID:    req.Sender.ID,
		UserType:  string(req.Sender.Kind),
		MessageID: req.MessageID,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.correlations.Save(ctx, corr); err != nil {
		return "", err
	}

	payload, err := json.Marshal(Request{
		RequestID: requestID,
		ChatID:    req.ChatID,
		UserID:    req.Sender.ID,
		UserType:  string(req.Sender.Kind),
		MessageID: req.MessageID,
		Content:   req.Content,
	})
	if err != nil {
		return "", fmt.Errorf("encoding ai request: %w", err)
	}

	if err := d.client.LPush(ctx, d.requestsKey, payload).Err(); err != nil {
		if delErr := d.correlations.Delete(ctx, requestID); delErr != nil {
			d.logger.Warn("failed to drop correlation after push failure", "request_id", requestID, "error", delErr)
		}
		return "", fmt.Errorf("pushing ai request: %w", err)
	}

	d.logger.Debug("ai request queued", "request_id", requestID, "chat_id", req.ChatID, "key", d.requestsKey)
	return requestID, nil
}
