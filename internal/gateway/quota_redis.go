package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/complianced/internal/tracing"
)

const (
	quotaKeyPrefix = "quota:"
	quotaOpTimeout = 2 * time.Second
	// quotaRetention keeps a finished period's counter around for usage reports.
	quotaRetention = 35 * 24 * time.Hour
)

// RedisQuotaStore implements QuotaStore with one counter per key and period.
type RedisQuotaStore struct {
	client redis.UniversalClient
}

// NewRedisQuotaStore creates a quota store backed by client.
func NewRedisQuotaStore(client redis.UniversalClient) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

func (s *RedisQuotaStore) key(key string, period Period) string {
	return quotaKeyPrefix + string(period) + ":" + key
}

// Usage implements QuotaStore.
func (s *RedisQuotaStore) Usage(ctx context.Context, key string, period Period) (n int64, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreRedis, "quota.usage", quotaKeyPrefix+string(period))
	defer func() { endSpan(err) }()
	ctx, cancel := context.WithTimeout(ctx, quotaOpTimeout)
	defer cancel()

	n, err = s.client.Get(ctx, s.key(key, period)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis quota usage: %w", err)
	}
	return n, nil
}

// Increment implements QuotaStore. The counter expires quotaRetention after
// the period ends.
func (s *RedisQuotaStore) Increment(ctx context.Context, key string, period Period) (_ int64, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreRedis, "quota.increment", quotaKeyPrefix+string(period))
	defer func() { endSpan(err) }()
	ctx, cancel := context.WithTimeout(ctx, quotaOpTimeout)
	defer cancel()

	k := s.key(key, period)
	var incr *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireAt(ctx, k, period.End().Add(quotaRetention))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis quota increment: %w", err)
	}
	return incr.Val(), nil
}
