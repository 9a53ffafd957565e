package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"drip-engine/internal/pkg/config"
	"drip-engine/internal/resilience/retry"
)

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisConfigFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB. An
// invalid REDIS_DB falls back to 0 and is reported in the warnings.
func RedisConfigFromEnv() (RedisConfig, []string) {
	dbIndex := config.LoadEnvInt("REDIS_DB", 0, func(v int) error {
		return config.ValidateIntRange(v, 0, 15)
	})
	return RedisConfig{
		Addr:     config.LoadEnvString("REDIS_ADDR", "localhost:6379"),
		Password: config.LoadEnvString("REDIS_PASSWORD", ""),
		DB:       dbIndex.Value.(int),
	}, dbIndex.Warnings
}

// NewRedisClient connects to Redis, instruments the client with
// OpenTelemetry tracing and metrics, and pings it.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis metrics: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// ConnectRedis calls NewRedisClient until it succeeds, backing off on
// refused or timed out connections as rc describes.
func ConnectRedis(ctx context.Context, cfg RedisConfig, rc retry.Config) (*redis.Client, error) {
	var rdb *redis.Client
	err := retry.WithBackoff(ctx, rc, func() error {
		var err error
		rdb, err = NewRedisClient(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rdb, nil
}

var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript returns the key's PTTL after the call: unchanged when the
// key already lives at least ARGV[2] ms (-1 when it never expires).
var extendScript = redis.NewScript(`
local left = redis.call('PTTL', KEYS[1])
if left == -1 or left >= tonumber(ARGV[2]) then
  return left
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return tonumber(ARGV[2])
`)

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store that namespaces every key with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqualsScript.Run(ctx, s.client, []string{s.k(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("cache compare-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (time.Duration, error) {
	ms, err := extendScript.Run(ctx, s.client, []string{s.k(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache extend %s: %w", key, err)
	}
	if ms < 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache ttl %s: %w", key, err)
	}
	// go-redis passes -2 (missing) and -1 (no expiry) through unscaled.
	switch {
	case d == -2:
		return 0, ErrMiss
	case d < 0:
		return 0, nil
	}
	return d, nil
}
