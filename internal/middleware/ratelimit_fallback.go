package middleware

import (
	"context"
	"log/slog"
)

// FallbackRateLimitStore answers from a primary store and switches to a
// fallback store for any call the primary fails. It is normally a Redis store
// in front of an in-memory one, so a Redis outage degrades limits to
// per-process instead of disabling them.
type FallbackRateLimitStore struct {
	primary  RateLimitStore
	fallback RateLimitStore
	logger   *slog.Logger
	metrics  *Metrics
}

// NewFallbackRateLimitStore creates a store that uses fallback when primary errors.
// metrics may be nil.
func NewFallbackRateLimitStore(primary, fallback RateLimitStore, logger *slog.Logger, metrics *Metrics) *FallbackRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRateLimitStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		metrics:  metrics,
	}
}

// Allow implements RateLimitStore.
func (s *FallbackRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	d, err := s.primary.Allow(ctx, key, config)
	if err == nil {
		return d, nil
	}
	s.primaryFailed(ctx, "allow", err)
	return s.fallback.Allow(ctx, key, config)
}

// Remaining implements RateLimitStore.
func (s *FallbackRateLimitStore) Remaining(ctx context.Context, key string, config RateLimitConfig) (int, error) {
	n, err := s.primary.Remaining(ctx, key, config)
	if err == nil {
		return n, nil
	}
	s.primaryFailed(ctx, "remaining", err)
	return s.fallback.Remaining(ctx, key, config)
}

// Peek reports what Allow would decide, using the primary store unless it fails.
func (s *FallbackRateLimitStore) Peek(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	d, err := PeekDecision(ctx, s.primary, key, config)
	if err == nil {
		return d, nil
	}
	s.primaryFailed(ctx, "peek", err)
	return PeekDecision(ctx, s.fallback, key, config)
}

func (s *FallbackRateLimitStore) primaryFailed(ctx context.Context, op string, err error) {
	s.logger.WarnContext(ctx, "primary rate limit store failed, using fallback",
		"op", op,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
}
