// ABOUTME: Redis connection setup shared by the AI bridge, broadcast relay and job queue
// ABOUTME: Accepts either a redis:// URL or discrete address fields

package rdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned when neither a URL nor an address is set.
var ErrNotConfigured = errors.New("redis not configured")

const pingTimeout = 3 * time.Second

// Options locates a Redis server. URL wins over the discrete fields.
type Options struct {
	URL      string
	Addr     string
	Username string
	Password string
	DB       int
}

// Configured reports whether enough is set to connect.
func (o Options) Configured() bool {
	return o.URL != "" || o.Addr != ""
}

// ClientOptions converts o to go-redis options.
func (o Options) ClientOptions() (*redis.Options, error) {
	if o.URL != "" {
		opt, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		return opt, nil
	}
	if o.Addr == "" {
		return nil, ErrNotConfigured
	}
	return &redis.Options{
		Addr:     o.Addr,
		Username: o.Username,
		Password: o.Password,
		DB:       o.DB,
	}, nil
}

// AsynqOptions converts o to the connection option asynq expects.
func (o Options) AsynqOptions() (asynq.RedisConnOpt, error) {
	if o.URL != "" {
		opt, err := asynq.ParseRedisURI(o.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		return opt, nil
	}
	if o.Addr == "" {
		return nil, ErrNotConfigured
	}
	return asynq.RedisClientOpt{
		Addr:     o.Addr,
		Username: o.Username,
		Password: o.Password,
		DB:       o.DB,
	}, nil
}

// Open connects and pings. The client is closed again if the ping fails.
func Open(ctx context.Context, o Options) (*redis.Client, error) {
	opt, err := o.ClientOptions()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opt.Addr, err)
	}
	return client, nil
}
