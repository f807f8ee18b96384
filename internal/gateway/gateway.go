package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/complianced/internal/middleware"
)

// Quota response headers.
const (
	HeaderQuotaLimit     = "X-Quota-Limit"
	HeaderQuotaRemaining = "X-Quota-Remaining"
)

// Unlimited disables the monthly quota of a plan.
const Unlimited int64 = -1

// rateWindow is the window of the per-minute limit.
const rateWindow = time.Minute

// Plan is the allowance of a tier.
type Plan struct {
	RequestsPerMinute int   `koanf:"requests_per_minute" json:"requests_per_minute"`
	MonthlyQuota      int64 `koanf:"monthly_quota" json:"monthly_quota"`
}

// Plans maps tiers to their allowance.
type Plans map[middleware.Tier]Plan

// DefaultPlans returns the built-in allowances.
func DefaultPlans() Plans {
	return Plans{
		middleware.TierFree:         {RequestsPerMinute: 60, MonthlyQuota: 1_000},
		middleware.TierProfessional: {RequestsPerMinute: 600, MonthlyQuota: 100_000},
		middleware.TierEnterprise:   {RequestsPerMinute: 6_000, MonthlyQuota: Unlimited},
	}
}

// Validate checks that a free plan exists and every plan is usable.
func (p Plans) Validate() error {
	if _, ok := p[middleware.TierFree]; !ok {
		return errors.New("plans must define the free tier")
	}
	for tier, plan := range p {
		if plan.RequestsPerMinute <= 0 {
			return fmt.Errorf("tier %q: requests per minute must be positive", tier)
		}
		if plan.MonthlyQuota < Unlimited {
			return fmt.Errorf("tier %q: monthly quota must be -1 (unlimited) or non-negative", tier)
		}
	}
	return nil
}

// For returns the plan of tier, falling back to the free tier.
func (p Plans) For(tier middleware.Tier) Plan {
	if plan, ok := p[tier]; ok {
		return plan
	}
	return p[middleware.TierFree]
}

// TierLimits returns the per-minute rate limit of every plan.
func (p Plans) TierLimits() middleware.TierLimits {
	limits := make(middleware.TierLimits, len(p))
	for tier, plan := range p {
		limits[tier] = middleware.RateLimitConfig{RequestsPerWindow: plan.RequestsPerMinute, WindowDuration: rateWindow}
	}
	return limits
}

// Status is the outcome of an admission check.
type Status int

const (
	StatusAllowed Status = iota
	StatusUnauthorized
	StatusRateLimited
	StatusQuotaExceeded
)

func (s Status) String() string {
	switch s {
	case StatusAllowed:
		return "allowed"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusRateLimited:
		return "rate_limited"
	case StatusQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the response status code for s.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusRateLimited, StatusQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// Result is the structured outcome of ProcessRequest. Headers are meant to be
// copied onto the response whatever the status.
type Result struct {
	Status Status
	// Key is set once the credential has been validated.
	Key *APIKey
	// Reason explains an unauthorized result.
	Reason     error
	RetryAfter time.Duration
	Headers    http.Header
}

// Allowed reports whether the request was admitted.
func (r Result) Allowed() bool {
	return r.Status == StatusAllowed
}

// Option configures optional Gateway dependencies.
type Option func(*Gateway)

// WithClock overrides the time source used to pick the quota period.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// Gateway admits API requests against per-key limits.
type Gateway struct {
	keys    KeyStore
	limiter middleware.RateLimitStore
	quotas  QuotaStore
	plans   Plans

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// New creates a gateway.
func New(keys KeyStore, limiter middleware.RateLimitStore, quotas QuotaStore, plans Plans, opts ...Option) (*Gateway, error) {
	if err := plans.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plans: %w", err)
	}
	g := &Gateway{
		keys:    keys,
		limiter: limiter,
		quotas:  quotas,
		plans:   plans,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func rateKey(keyID string) string {
	return "apikey:" + keyID
}

// ProcessRequest validates credential, then checks the per-minute limit and
// then the monthly quota. Usage is recorded only when both checks pass, so a
// refused request never consumes allowance.
//
// An error is returned when a backend fails or panics. If the credential was
// validated before the failure, Result.Key is set.
//
// The rate check peeks at the window without recording. When it is full the
// Retry-After hint is the time until the oldest counted request expires.
func (g *Gateway) ProcessRequest(ctx context.Context, credential string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway backend panic: %v", r)
		}
	}()

	key, err := g.keys.Validate(ctx, credential)
	if err != nil {
		if isCredentialError(err) {
			g.metrics.decided(StatusUnauthorized, "")
			return Result{Status: StatusUnauthorized, Reason: err, Headers: http.Header{}}, nil
		}
		return Result{}, fmt.Errorf("validate API key: %w", err)
	}

	plan := g.plans.For(key.Tier)
	rateCfg := middleware.RateLimitConfig{RequestsPerWindow: plan.RequestsPerMinute, WindowDuration: rateWindow}
	now := g.now()
	period := MonthlyPeriod(now)
	res = Result{Key: key, Headers: http.Header{}}

	peek, err := middleware.PeekDecision(ctx, g.limiter, rateKey(key.ID), rateCfg)
	if err != nil {
		return res, fmt.Errorf("check rate limit: %w", err)
	}
	if !peek.Allowed {
		return g.rateLimited(res, peek), nil
	}

	var used int64
	if plan.MonthlyQuota != Unlimited {
		used, err = g.quotas.Usage(ctx, key.ID, period)
		if err != nil {
			return res, fmt.Errorf("check quota: %w", err)
		}
		if used >= plan.MonthlyQuota {
			setQuotaHeaders(res.Headers, plan.MonthlyQuota, used)
			res.Status = StatusQuotaExceeded
			res.RetryAfter = period.End().Sub(now)
			res.Headers.Set(middleware.HeaderRetryAfter, strconv.Itoa(ceilSeconds(res.RetryAfter)))
			g.metrics.decided(res.Status, string(key.Tier))
			return res, nil
		}
	}

	d, err := g.limiter.Allow(ctx, rateKey(key.ID), rateCfg)
	if err != nil {
		return res, fmt.Errorf("record rate limit: %w", err)
	}
	if !d.Allowed {
		// Another request took the last slot since the peek.
		return g.rateLimited(res, d), nil
	}

	used, err = g.quotas.Increment(ctx, key.ID, period)
	if err != nil {
		return res, fmt.Errorf("record quota: %w", err)
	}

	middleware.SetRateLimitHeaders(res.Headers, d)
	if plan.MonthlyQuota != Unlimited {
		setQuotaHeaders(res.Headers, plan.MonthlyQuota, used)
	}
	res.Status = StatusAllowed
	g.metrics.decided(res.Status, string(key.Tier))
	return res, nil
}

func (g *Gateway) rateLimited(res Result, d middleware.Decision) Result {
	d.Allowed = false
	d.Remaining = 0
	middleware.SetRateLimitHeaders(res.Headers, d)
	res.Headers.Set(middleware.HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds()))
	res.Status = StatusRateLimited
	res.RetryAfter = d.RetryAfter
	g.metrics.decided(res.Status, string(res.Key.Tier))
	return res
}

func setQuotaHeaders(h http.Header, limit, used int64) {
	h.Set(HeaderQuotaLimit, strconv.FormatInt(limit, 10))
	h.Set(HeaderQuotaRemaining, strconv.FormatInt(max(0, limit-used), 10))
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(1, secs)
}

func isCredentialError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrExpiredCredential) ||
		errors.Is(err, ErrRevokedCredential)
}

// UsageReport describes a key's consumption in the current period.
type UsageReport struct {
	KeyID  string          `json:"key_id"`
	Tier   middleware.Tier `json:"tier"`
	Period Period          `json:"period"`
	Used   int64           `json:"used"`
	// Limit and Remaining are -1 when the plan has no monthly quota.
	Limit         int64     `json:"limit"`
	Remaining     int64     `json:"remaining"`
	ResetsAt      time.Time `json:"resets_at"`
	RateLimit     int       `json:"rate_limit_per_minute"`
	RateRemaining int       `json:"rate_remaining"`
}

// Usage reports the consumption of the key without recording anything.
func (g *Gateway) Usage(ctx context.Context, info middleware.APIKeyInfo) (UsageReport, error) {
	tier := middleware.ParseTier(info.Tier)
	plan := g.plans.For(tier)
	period := MonthlyPeriod(g.now())

	used, err := g.quotas.Usage(ctx, info.ID, period)
	if err != nil {
		return UsageReport{}, fmt.Errorf("read quota usage: %w", err)
	}
	rateRemaining, err := g.limiter.Remaining(ctx, rateKey(info.ID),
		middleware.RateLimitConfig{RequestsPerWindow: plan.RequestsPerMinute, WindowDuration: rateWindow})
	if err != nil {
		return UsageReport{}, fmt.Errorf("read rate limit usage: %w", err)
	}

	report := UsageReport{
		KeyID:         info.ID,
		Tier:          tier,
		Period:        period,
		Used:          used,
		Limit:         plan.MonthlyQuota,
		Remaining:     Unlimited,
		ResetsAt:      period.End(),
		RateLimit:     plan.RequestsPerMinute,
		RateRemaining: rateRemaining,
	}
	if plan.MonthlyQuota != Unlimited {
		report.Remaining = max(0, plan.MonthlyQuota-used)
	}
	return report, nil
}
