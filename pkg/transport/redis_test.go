package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a reachable Redis; set ACCORD_REDIS_ADDR to run.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("ACCORD_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACCORD_REDIS_ADDR not set")
	}

	cfg := DefaultRedisConfig(addr)
	cfg.Prefix = "accord-test:"
	r := NewRedis(cfg, nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := r.Subscribe(ctx, "test_events")
	require.NoError(t, err)

	require.NoError(t, r.Publish(ctx, "test_events", []byte("ping")))

	select {
	case msg := <-sub:
		assert.Equal(t, "test_events", msg.Channel)
		assert.Equal(t, []byte("ping"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no message from redis")
	}
}

func TestRedisSubscribeFailsFast(t *testing.T) {
	cfg := DefaultRedisConfig("127.0.0.1:1") // nothing listens here
	r := NewRedis(cfg, nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Subscribe(ctx, "test_events")
	assert.Error(t, err, "a dead broker must fail the subscribe, not hang the receive loop")
}
