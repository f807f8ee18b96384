package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Tier is a subscription level that selects a rate limit.
type Tier string

// Known tiers.
const (
	TierFree         Tier = "free"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ParseTier maps a tier label to a known Tier. Unknown or empty labels map to TierFree.
func ParseTier(label string) Tier {
	switch Tier(label) {
	case TierProfessional, TierEnterprise, TierFree:
		return Tier(label)
	default:
		return TierFree
	}
}

// TierLimits maps tiers to their per-window rate limit.
type TierLimits map[Tier]RateLimitConfig

// DefaultTierLimits returns the per-minute limits for each tier.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		TierFree:         {RequestsPerWindow: 60, WindowDuration: time.Minute},
		TierProfessional: {RequestsPerWindow: 600, WindowDuration: time.Minute},
		TierEnterprise:   {RequestsPerWindow: 6000, WindowDuration: time.Minute},
	}
}

// Validate checks that a free tier exists and that every config is valid.
func (t TierLimits) Validate() error {
	if _, ok := t[TierFree]; !ok {
		return errors.New("tier limits must define the free tier")
	}
	for tier, cfg := range t {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", tier, err)
		}
	}
	return nil
}

// For returns the config for a tier label, falling back to the free tier.
func (t TierLimits) For(label string) RateLimitConfig {
	if cfg, ok := t[Tier(label)]; ok {
		return cfg
	}
	return t[TierFree]
}

// TierFunc extracts the caller's tier label from a request.
type TierFunc func(r *http.Request) string

// ContextTierFunc returns a TierFunc reading the tier attached to the request
// context by authentication or the API gateway.
func ContextTierFunc() TierFunc {
	return func(r *http.Request) string {
		return GetTier(r.Context())
	}
}

// TieredRateLimiter is RateLimiter with the limit chosen per request by tier.
func TieredRateLimiter(store RateLimitStore, limits TierLimits, tierFunc TierFunc, keyFunc KeyFunc, opts ...RateLimiterOption) func(http.Handler) http.Handler {
	return rateLimit(store, func(r *http.Request) RateLimitConfig {
		return limits.For(tierFunc(r))
	}, keyFunc, opts)
}
