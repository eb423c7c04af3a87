// ABOUTME: Redis pub/sub transport for chat channel events
// ABOUTME: RedisPublisher PUBLISHes envelopes; Relay feeds them into a local Hub

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on their Redis channel so that every
// instance (and any external consumer) can fan them out.
type RedisPublisher struct {
	client redis.Cmdable
	origin string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher over client. origin is stamped on
// every event so a Relay with the same origin can skip it.
func NewRedisPublisher(client redis.Cmdable, origin string) *RedisPublisher {
	return &RedisPublisher{client: client, origin: origin}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	wire := *event
	wire.Origin = p.origin
	payload, err := json.Marshal(&wire)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.client.Publish(ctx, event.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", event.Channel, err)
	}
	return nil
}

// Relay subscribes to every chat channel on Redis and republishes into a
// local Hub. It lets instances that did not handle a send still reach their
// own WebSocket subscribers. Events stamped with the relay's own origin were
// already delivered locally and are skipped.
type Relay struct {
	client *redis.Client
	hub    *Hub
	origin string
	logger *slog.Logger
}

// NewRelay creates a relay. Pass nil logger for default.
func NewRelay(client *redis.Client, hub *Hub, origin string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: client,
		hub:    hub,
		origin: origin,
		logger: logger.With("component", "relay"),
	}
}

// Run forwards events until ctx is cancelled. go-redis reconnects the
// subscription on its own after transport failures.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", ChannelPattern, err)
	}
	r.logger.Info("relay subscribed", "pattern", ChannelPattern)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.logger.Warn("dropping malformed broadcast", "channel", msg.Channel, "error", err)
		return
	}
	if r.origin != "" && event.Origin == r.origin {
		return
	}
	// The wire channel is authoritative; a payload naming another chat is dropped.
	chatID, ok := ParseChannel(msg.Channel)
	if !ok || (event.Channel != "" && event.Channel != msg.Channel) {
		r.logger.Warn("dropping broadcast on mismatched channel", "channel", msg.Channel, "event_channel", event.Channel)
		return
	}
	event.Channel = msg.Channel
	event.Origin = ""
	r.logger.Debug("relaying broadcast", "chat_id", chatID, "event", event.Name)
	_ = r.hub.Publish(ctx, &event)
}
