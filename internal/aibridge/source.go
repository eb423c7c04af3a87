// ABOUTME: Response sources: list polling and pub/sub subscription
// ABOUTME: Both keep running through transport errors until their context ends

package aibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source defaults.
const (
	DefaultPollInterval     = time.Second
	DefaultErrorBackoff     = 5 * time.Second
	DefaultReconnectBackoff = time.Second
	DefaultMaxBackoff       = 30 * time.Second
)

// DeliverFunc receives one raw response payload.
type DeliverFunc func(ctx context.Context, payload []byte)

// ResponseSource feeds response payloads to deliver until ctx is cancelled.
type ResponseSource interface {
	Run(ctx context.Context, deliver DeliverFunc) error
}

// PollSource drains a Redis list on a fixed interval. RPOP hands each
// record to exactly one poller.
type PollSource struct {
	client       redis.Cmdable
	key          string
	interval     time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
}

var _ ResponseSource = (*PollSource)(nil)

// NewPollSource creates a poller for key. Zero durations take defaults.
func NewPollSource(client redis.Cmdable, key string, interval, errorBackoff time.Duration, logger *slog.Logger) *PollSource {
	if logger == nil {
		logger = slog.Default()
	}
	if key == "" {
		key = DefaultResponsesKey
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if errorBackoff <= 0 {
		errorBackoff = DefaultErrorBackoff
	}
	return &PollSource{
		client:       client,
		key:          key,
		interval:     interval,
		errorBackoff: errorBackoff,
		logger:       logger.With("component", "ai_poll", "key", key),
	}
}

// Run implements ResponseSource.
func (p *PollSource) Run(ctx context.Context, deliver DeliverFunc) error {
	p.logger.Info("polling for ai responses", "interval", p.interval)
	for {
		wait := p.interval
		n, err := p.drain(ctx, deliver)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Error("polling ai responses", "error", err, "retry_in", p.errorBackoff)
			wait = p.errorBackoff
		case n > 0:
			p.logger.Debug("drained ai responses", "count", n)
		}

		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// drain pops until the list is empty and returns how many were delivered.
func (p *PollSource) drain(ctx context.Context, deliver DeliverFunc) (int, error) {
	n := 0
	for {
		payload, err := p.client.RPop(ctx, p.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		deliver(ctx, payload)
		n++
	}
}

// SubscribeSource listens on a Redis channel, resubscribing with
// exponential backoff when the connection drops. Messages published while
// disconnected are lost; pair it with a list producer when that matters.
type SubscribeSource struct {
	client     *redis.Client
	channel    string
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

var _ ResponseSource = (*SubscribeSource)(nil)

// NewSubscribeSource creates a subscriber for channel.
func NewSubscribeSource(client *redis.Client, channel string, backoff, maxBackoff time.Duration, logger *slog.Logger) *SubscribeSource {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultResponsesKey
	}
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = max(backoff, DefaultMaxBackoff)
	}
	return &SubscribeSource{
		client:     client,
		channel:    channel,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		logger:     logger.With("component", "ai_subscribe", "channel", channel),
	}
}

// Run implements ResponseSource.
func (s *SubscribeSource) Run(ctx context.Context, deliver DeliverFunc) error {
	delay := s.backoff
	for {
		connected, err := s.subscribe(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = s.backoff
		}
		s.logger.Warn("subscription lost, reconnecting", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return nil
		}
		delay = min(delay*2, s.maxBackoff)
	}
}

// subscribe runs one subscription until it fails. connected reports whether
// the subscription was confirmed before the failure.
func (s *SubscribeSource) subscribe(ctx context.Context, deliver DeliverFunc) (connected bool, err error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribing: %w", err)
	}
	s.logger.Info("subscribed to ai responses")

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return true, err
		}
		deliver(ctx, []byte(msg.Payload))
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
