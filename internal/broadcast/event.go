// ABOUTME: Broadcast events, channel naming and the Publisher contract
// ABOUTME: Events carry an immutable JSON snapshot taken after persistence

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EventMessageSent is published once per persisted message.
const EventMessageSent = "MessageSent"

// channelPrefix is the per-chat channel namespace.
const channelPrefix = "private-chat."

// ChannelName returns the broadcast channel for a chat.
func ChannelName(chatID int64) string {
	return channelPrefix + strconv.FormatInt(chatID, 10)
}

// ChannelPattern matches every chat channel.
const ChannelPattern = channelPrefix + "*"

// ParseChannel extracts the chat id from a channel name.
func ParseChannel(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Event is a named payload bound to a channel.
type Event struct {
	Name    string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	// Origin names the instance that published the event over Redis. It is
	// empty for local delivery.
	Origin string `json:"origin,omitempty"`
}

// NewEvent snapshots payload as JSON for the chat's channel.
func NewEvent(name string, chatID int64, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	return &Event{Name: name, Channel: ChannelName(chatID), Data: data}, nil
}

// Publisher delivers events at most once. Implementations do not retry.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Multi fans an event out to several publishers. Every publisher is tried;
// failures are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
