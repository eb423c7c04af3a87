// ABOUTME: Redis-backed correlation entries linking AI requests to their chats
// ABOUTME: Entries expire after a TTL and are consumed atomically with GETDEL

package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CorrelationStore saves and consumes correlation entries.
type CorrelationStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewCorrelationStore creates a store whose entries live for ttl.
func NewCorrelationStore(client redis.Cmdable, ttl time.Duration) *CorrelationStore {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &CorrelationStore{client: client, ttl: ttl}
}

// Save writes c under its correlation key with the store TTL.
func (s *CorrelationStore) Save(ctx context.Context, c *Correlation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding correlation: %w", err)
	}
	if err := s.client.Set(ctx, CorrelationKey(c.RequestID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving correlation %s: %w", c.RequestID, err)
	}
	return nil
}

// Take reads and deletes the correlation for requestID in one step, so
// only one consumer ever gets it.
func (s *CorrelationStore) Take(ctx context.Context, requestID string) (*Correlation, error) {
	data, err := s.client.GetDel(ctx, CorrelationKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("taking correlation %s: %w", requestID, err)
	}

	var c Correlation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding correlation %s: %w", requestID, err)
	}
	if c.RequestID == "" {
		c.RequestID = requestID
	}
	return &c, nil
}

// Restore puts back a correlation that was taken but could not be acted on.
func (s *CorrelationStore) Restore(ctx context.Context, c *Correlation) error {
	return s.Save(ctx, c)
}

// Delete drops the correlation for requestID.
func (s *CorrelationStore) Delete(ctx context.Context, requestID string) error {
	return s.client.Del(ctx, CorrelationKey(requestID)).Err()
}

// TakeResponse reads and deletes stored response content for requestID.
func (s *CorrelationStore) TakeResponse(ctx context.Context, requestID string) (string, error) {
	content, err := s.client.GetDel(ctx, ResponseKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNoResponse, requestID)
	}
	if err != nil {
		return "", fmt.Errorf("taking response %s: %w", requestID, err)
	}
	return content, nil
}
