// ABOUTME: In-memory fan-out hub for chat channel events
// ABOUTME: Feeds local WebSocket subscribers; slow subscribers drop events

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Hub provides in-memory pub/sub keyed by channel name. Subscribers receive
// events published after they subscribe.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // channel -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for the channel. The returned channel is
// closed when ctx is cancelled, on Unsubscribe, or when the hub closes.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = make(map[string]chan *Event)
	}
	h.subscribers[channel][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish sends the event to every subscriber of its channel. It never
// blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, event *Event) error {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for subID, ch := range h.subscribers[event.Channel] {
		select {
		case ch <- event:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"channel", event.Channel,
				"sub_id", subID)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(channel, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, channel)
	}

	h.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, channel)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
