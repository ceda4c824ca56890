package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CallLimiter throttles metered API calls per tenant. It sits in front of
// the monthly counter: the counter bounds total volume, the limiter bounds
// burst rate. Fail-open is deliberate here: losing the limiter backend must
// not take tenant traffic down, the monthly quota still holds.
type CallLimiter interface {
	Allow(ctx context.Context, tenantID string, cost int) (bool, error)
}

// callBucketScript runs the token bucket atomically in Redis, so every
// replica of the plane shares one bucket per tenant.
// KEYS[1] = bucket key ("calls:tenant:<id>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var callBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

-- Retrieve current state
local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

-- Initialize if missing
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

-- Refill
local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

-- Consume
local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Update state (expire in 60s to self-clean)
redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisCallLimiter implements CallLimiter over a shared Redis instance.
type RedisCallLimiter struct {
	client *redis.Client
	// CallsPerMinute and Burst shape each tenant's bucket.
	CallsPerMinute int
	Burst          int
}

// NewRedisCallLimiter connects to Redis at addr. callsPerMinute <= 0 falls
// back to 60; burst <= 0 falls back to callsPerMinute.
func NewRedisCallLimiter(addr, password string, db, callsPerMinute, burst int) *RedisCallLimiter {
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	if burst <= 0 {
		burst = callsPerMinute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCallLimiter{client: rdb, CallsPerMinute: callsPerMinute, Burst: burst}
}

// Allow executes the Lua script to check and update the tenant's bucket.
func (l *RedisCallLimiter) Allow(ctx context.Context, tenantID string, cost int) (bool, error) {
	key := fmt.Sprintf("calls:tenant:%s", tenantID)

	rate := float64(l.CallsPerMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := callBucketScript.Run(ctx, l.client, []string{key}, rate, l.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("quota: redis call limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("quota: invalid response from limiter script")
	}

	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisCallLimiter) Close() error {
	return l.client.Close()
}

// NopCallLimiter allows everything. Lite mode runs without Redis.
type NopCallLimiter struct{}

func (NopCallLimiter) Allow(ctx context.Context, tenantID string, cost int) (bool, error) {
	return true, nil
}
