package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and conditionally records a hit in one
// round trip. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  admitted = 1
end
redis.call('PEXPIRE', key, window)
local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

// RedisWindowStore keeps one sorted set per key so every portal instance
// shares the same counts.
type RedisWindowStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisWindowStore(client redis.Scripter) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "portal:ratelimit:"}
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	member := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
	vals, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, member,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("sliding window script: unexpected reply length %d", len(vals))
	}

	res := WindowResult{Admitted: vals[0] == 1, Count: int(vals[1])}
	if vals[2] > 0 {
		res.Oldest = time.UnixMilli(vals[2])
	}
	return res, nil
}
