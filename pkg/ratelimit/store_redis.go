package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkAndAddScript trims the window, counts it and conditionally records
// the request, all inside one Redis script so concurrent workers on
// different hosts cannot overshoot the limit.
//
// KEYS[1] window sorted set
// ARGV: now(us) cutoff(us) limit member ttl(ms)
// Returns {allowed(0|1), count, oldest(us)}.
var checkAndAddScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local oldest = 0
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if head[2] then oldest = tonumber(head[2]) end
if count >= limit then
  return {0, count, oldest}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
if oldest == 0 then oldest = now end
return {1, count + 1, oldest}
`)

// RedisRateLimitStore keeps each key's window in a sorted set scored by
// microsecond timestamps. Keys expire one window after their last request,
// so Cleanup has nothing to do.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimitStore returns a store writing keys under prefix.
func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) key(k string) string { return s.prefix + k }

func micros(t time.Time) int64 { return t.UnixMicro() }

func (s *RedisRateLimitStore) AddRequest(ctx context.Context, key string, timestamp time.Time) error {
	err := s.client.ZAdd(ctx, s.key(key), redis.Z{
		Score:  float64(micros(timestamp)),
		Member: uuid.NewString(),
	}).Err()
	if err != nil {
		return fmt.Errorf("AddRequest: %w", err)
	}
	return nil
}

func (s *RedisRateLimitStore) GetRequestCount(ctx context.Context, key string, cutoff time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.key(key), "("+strconv.FormatInt(micros(cutoff), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("GetRequestCount: %w", err)
	}
	return int(n), nil
}

func (s *RedisRateLimitStore) CheckAndAddRequest(ctx context.Context, key string, timestamp, cutoff time.Time, limit int) (bool, int, time.Time, error) {
	ttl := timestamp.Sub(cutoff).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	res, err := checkAndAddScript.Run(ctx, s.client, []string{s.key(key)},
		micros(timestamp), micros(cutoff), limit, uuid.NewString(), ttl,
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("CheckAndAddRequest: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("CheckAndAddRequest: unexpected reply %v", res)
	}
	var oldest time.Time
	if res[2] > 0 {
		oldest = time.UnixMicro(res[2])
	}
	return res[0] == 1, int(res[1]), oldest, nil
}

// Cleanup is a no-op; Redis expires idle windows.
func (s *RedisRateLimitStore) Cleanup(context.Context, time.Time) error { return nil }

func (s *RedisRateLimitStore) KeyCount(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("KeyCount: %w", err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
