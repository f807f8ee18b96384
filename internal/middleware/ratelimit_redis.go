package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces rate limit sorted sets.
const redisKeyPrefix = "ratelimit:"

// redisOpTimeout bounds every Redis round trip made by the store.
const redisOpTimeout = 2 * time.Second

// slidingWindowScript prunes, counts, conditionally records and refreshes the
// TTL of one key in a single atomic step. Scores are unix microseconds.
//
// KEYS[1] = sorted set key
// ARGV[1] = now (µs), ARGV[2] = window (µs), ARGV[3] = limit, ARGV[4] = member
//
// Returns {allowed (0|1), count after the call, oldest score (µs)}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	redis.call("ZADD", key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", key, math.ceil(window / 1000))

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisRateLimitStore implements RateLimitStore on Redis sorted sets, so that
// limits are shared by every process pointing at the same Redis.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisRateLimitStore creates a store backed by client.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		now:    time.Now,
	}
}

func (s *RedisRateLimitStore) key(key string) string {
	return redisKeyPrefix + key
}

// Allow checks and records a request for key atomically.
// Redis failures are returned; wrap the store in a FallbackRateLimitStore to
// keep admitting requests while Redis is down.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	if err := config.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid rate limit config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	now := s.now()
	nowMicros := now.UnixMicro()
	windowMicros := config.WindowDuration.Microseconds()
	member := strconv.FormatInt(nowMicros, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.key(key)},
		nowMicros, windowMicros, config.RequestsPerWindow, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis rate limit script: unexpected reply length %d", len(res))
	}

	allowed := res[0] == 1
	count := int(res[1])
	reset := time.UnixMicro(res[2]).Add(config.WindowDuration)

	d := Decision{
		Allowed:   allowed,
		Limit:     config.RequestsPerWindow,
		Remaining: max(0, config.RequestsPerWindow-count),
		Reset:     reset,
	}
	if !allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}

// Remaining reports unused quota for key using ZCOUNT, without recording.
func (s *RedisRateLimitStore) Remaining(ctx context.Context, key string, config RateLimitConfig) (int, error) {
	if err := config.Validate(); err != nil {
		return 0, fmt.Errorf("invalid rate limit config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	cutoff := s.now().Add(-config.WindowDuration).UnixMicro()
	count, err := s.client.ZCount(ctx, s.key(key), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit count: %w", err)
	}
	return max(0, config.RequestsPerWindow-int(count)), nil
}

// Peek reports what Allow would decide for key, reading the live count and the
// oldest live score in one pipeline. It does not record anything.
func (s *RedisRateLimitStore) Peek(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	if err := config.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid rate limit config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	now := s.now()
	lower := "(" + strconv.FormatInt(now.Add(-config.WindowDuration).UnixMicro(), 10)
	var (
		countCmd  *redis.IntCmd
		oldestCmd *redis.ZSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		countCmd = pipe.ZCount(ctx, s.key(key), lower, "+inf")
		oldestCmd = pipe.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
			Min:   lower,
			Max:   "+inf",
			Count: 1,
		})
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit peek: %w", err)
	}

	count := int(countCmd.Val())
	var oldest time.Time
	if zs := oldestCmd.Val(); len(zs) > 0 {
		oldest = time.UnixMicro(int64(zs[0].Score))
	}
	return peekDecision(config, now, count, oldest), nil
}
