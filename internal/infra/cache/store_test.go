package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drip-engine/internal/resilience/retry"
)

// storeHarness lets one contract test drive both implementations.
type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func harnesses(t *testing.T) map[string]storeHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemoryStore()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })

	return map[string]storeHarness{
		"redis":  {store: NewRedisStore(client, "t:"), advance: mr.FastForward},
		"memory": {store: mem, advance: func(d time.Duration) { now = now.Add(d) }},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", got)

			ttl, err := s.TTL(ctx, "a")
			require.NoError(t, err)
			assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

			ok, err := s.SetNX(ctx, "a", "2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.DeleteIfEquals(ctx, "a", "other")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.DeleteIfEquals(ctx, "a", "1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "a", "3", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			h.advance(2 * time.Second)
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrMiss)
			_, err = s.TTL(ctx, "a")
			assert.ErrorIs(t, err, ErrMiss)

			require.NoError(t, s.Set(ctx, "b", "x", 0))
			require.NoError(t, s.Delete(ctx, "b"))
			_, err = s.Get(ctx, "b")
			assert.ErrorIs(t, err, ErrMiss)
		})
	}
}

func TestStore_ExtendNeverShortens(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store

			left, err := s.Extend(ctx, "cd", "long", 10*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 10*time.Minute, left)

			left, err = s.Extend(ctx, "cd", "short", 2*time.Minute)
			require.NoError(t, err)
			assert.InDelta(t, (10 * time.Minute).Seconds(), left.Seconds(), 1)
			got, err := s.Get(ctx, "cd")
			require.NoError(t, err)
			assert.Equal(t, "long", got, "a shorter window leaves the value untouched")

			h.advance(9 * time.Minute)
			left, err = s.Extend(ctx, "cd", "later", 5*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, left)
			got, err = s.Get(ctx, "cd")
			require.NoError(t, err)
			assert.Equal(t, "later", got)

			require.NoError(t, s.Set(ctx, "forever", "x", 0))
			left, err = s.Extend(ctx, "forever", "y", time.Minute)
			require.NoError(t, err)
			assert.Zero(t, left)
			got, err = s.Get(ctx, "forever")
			require.NoError(t, err)
			assert.Equal(t, "x", got)
		})
	}
}

func TestRedisStore_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "drip:")
	require.NoError(t, s.Set(context.Background(), "k", "v", time.Minute))

	val, err := mr.Get("drip:k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("REDIS_DB", "3")

	cfg, warnings := RedisConfigFromEnv()
	assert.Empty(t, warnings)
	assert.Equal(t, RedisConfig{Addr: "redis:6380", Password: "pw", DB: 3}, cfg)

	t.Setenv("REDIS_DB", "99")
	cfg, warnings = RedisConfigFromEnv()
	assert.Len(t, warnings, 1)
	assert.Equal(t, 0, cfg.DB)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestConnectRedis_WaitsForServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = mr.Restart()
	}()

	rc := retry.Config{MaxAttempts: 20, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	client, err := ConnectRedis(context.Background(), RedisConfig{Addr: addr}, rc)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestConnectRedis_GivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rc := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	_, err := ConnectRedis(context.Background(), RedisConfig{Addr: addr}, rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retry attempts (2) exceeded")
}
