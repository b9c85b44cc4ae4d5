package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := NewMemoryLimiter().WithClock(func() time.Time { return now })
	policy := Policy{PerMinute: 6, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := lim.Allow(ctx, "user-1:req-1", policy)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := lim.Allow(ctx, "user-1:req-1", policy)
	assert.False(t, ok, "burst exhausted")

	ok, _ = lim.Allow(ctx, "user-2:req-1", policy)
	assert.True(t, ok, "buckets are per key")

	now = now.Add(10 * time.Second)
	ok, _ = lim.Allow(ctx, "user-1:req-1", policy)
	assert.True(t, ok, "one token refills every 10s at 6/min")
}

func TestUnlimited(t *testing.T) {
	ok, err := Unlimited{}.Allow(context.Background(), "k", Policy{})
	require.NoError(t, err)
	assert.True(t, ok)
}

// Requires a running Redis; set REDIS_ADDR to enable.
func TestRedisLimiter_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	lim := NewRedisLimiter(client, "test:"+t.Name())
	policy := Policy{PerMinute: 60, Burst: 1}
	key := time.Now().Format(time.RFC3339Nano)

	ok, err := lim.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lim.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, err = lim.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.True(t, ok)
}
