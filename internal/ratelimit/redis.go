package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

// takeScript mirrors refill() so both stores share semantics. Timestamps are
// milliseconds supplied by the caller.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

if now > ts then
  tokens = tokens + (now - ts) / window * capacity
  ts = now
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets between gateway instances. Buckets expire after
// idleWindows of inactivity, which replaces the memory store's sweeper.
type RedisStore struct {
	client      *redis.Client
	idleWindows int
}

func NewRedisStore(redisURL string, idleWindows int) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if idleWindows < 1 {
		idleWindows = 1
	}
	return &RedisStore{client: client, idleWindows: idleWindows}, nil
}

func (s *RedisStore) Take(ctx context.Context, key string, budget models.RateBudget, now time.Time) (Decision, error) {
	ttl := time.Duration(s.idleWindows) * budget.Window
	res, err := takeScript.Run(ctx, s.client, []string{key},
		budget.MaxTokens,
		budget.Window.Milliseconds(),
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: bad token count %q: %w", raw, err)
	}

	if allowed == 1 {
		return Decision{Allowed: true, Remaining: tokens}, nil
	}
	return Decision{
		Allowed:    false,
		Remaining:  tokens,
		RetryAfter: retryAfter(tokens, budget),
	}, nil
}

// Size counts bucket keys. It scans, so keep it off hot paths.
func (s *RedisStore) Size(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "ratelimit:endpoint:*", 500).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
