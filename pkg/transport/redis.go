package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed transport.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// Prefix namespaces channels so independent clusters can share a
	// broker (e.g. "accord:" turns "test_events" into "accord:test_events").
	Prefix string `json:"prefix"`

	// ReceiveTimeout bounds how long the health check on an idle
	// subscription may take, so a dead broker cannot stall shutdown.
	ReceiveTimeout time.Duration `json:"receive_timeout"`
}

// DefaultRedisConfig returns production-ready defaults.
func DefaultRedisConfig(addr string) *RedisConfig {
	return &RedisConfig{
		Addr:           addr,
		Prefix:         "accord:",
		ReceiveTimeout: 5 * time.Second,
	}
}

// Redis is a PubSub backed by Redis pub/sub channels.
type Redis struct {
	client *redis.Client
	cfg    *RedisConfig
	logger *slog.Logger
}

// NewRedis creates a Redis transport. The connection is verified on first
// use, not here; Publish and Subscribe surface broker errors to the caller.
func NewRedis(cfg *RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// Publish sends the payload on the prefixed channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, r.cfg.Prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and copies messages into a Go
// channel until ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := r.client.Subscribe(ctx, r.cfg.Prefix+channel)

	// Force the initial SUBSCRIBE round trip so a dead broker fails here,
	// where the caller can handle it, instead of inside the receive loop.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", channel, err)
	}

	src := sub.Channel(redis.WithChannelHealthCheckInterval(r.cfg.ReceiveTimeout))
	out := make(chan Message, DefaultBusBuffer)

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				r.logger.Warn("redis subscription close failed", "channel", channel, "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ PubSub = (*Redis)(nil)
