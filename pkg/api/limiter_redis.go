package api

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// limiterKeyPrefix namespaces bucket keys in a shared Redis.
const limiterKeyPrefix = "helm-assets:limiter:"

// takeToken refills and draws from one bucket in a single round trip. Time
// comes from the Redis server so replicas with skewed clocks agree. A bucket
// idle long enough to refill completely is left to expire.
//
//	KEYS[1] bucket, ARGV[1] refill per second, ARGV[2] capacity
var takeToken = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local t = redis.call("TIME")
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000

local bucket = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(bucket[1]) or capacity
local at = tonumber(bucket[2]) or now
if now > at then
    tokens = math.min(capacity, tokens + (now - at) * rate)
end

local granted = 0
if tokens >= 1 then
    tokens = tokens - 1
    granted = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "at", tostring(now))
redis.call("EXPIRE", KEYS[1], math.ceil(capacity / rate) + 1)
return granted
`)

// RedisLimiter shares token buckets between replicas through Redis.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiter connects to the Redis instance at url
// (redis://[user:password@]host:port/db).
func NewRedisLimiter(url string, rps float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{client: redis.NewClient(opts), rps: rps, burst: burst}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	granted, err := takeToken.Run(ctx, l.client, []string{limiterKeyPrefix + key}, l.rps, l.burst).Int()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return granted == 1, nil
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
