package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills rate tokens per second up to burst and consumes the
// requested amount when available.
// KEYS[1]: Rate limit key
// ARGV[1]: Rate (tokens/sec)
// ARGV[2]: Burst (capacity)
// ARGV[3]: Current timestamp (seconds)
// ARGV[4]: Tokens to consume (1)
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)
	return allowed
`)

// Allow checks whether one more request under key fits the rate limit.
// It uses a Token Bucket algorithm implemented in Lua.
//
// Parameters:
//   - key: Unique key for the rate limit (e.g., a case key)
//   - rate: Number of tokens added per second
//   - burst: Maximum number of tokens in the bucket (capacity)
func (s *Store) Allow(ctx context.Context, key string, rate int, burst int) (bool, error) {
	if rate <= 0 || burst <= 0 {
		return false, fmt.Errorf("store: invalid rate limit rate=%d burst=%d", rate, burst)
	}

	result, err := tokenBucket.Run(ctx, s.rdb,
		[]string{rateLimitKey(key)},
		rate,
		burst,
		time.Now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
