// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitConfig defines the rate limiting configuration.
// Valid values:
//   - RequestsPerWindow: must be > 0
//   - WindowDuration: must be > 0
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	// Must be > 0.
	RequestsPerWindow int
	// WindowDuration is the trailing time window for the rate limit.
	// Must be > 0.
	WindowDuration time.Duration
}

// Validate checks that the RateLimitConfig has valid values.
// Returns an error if RequestsPerWindow <= 0 or WindowDuration <= 0.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// defaultGlobalLimit is the default global rate limit (100 requests per minute).
var defaultGlobalLimit = RateLimitConfig{
	RequestsPerWindow: 100,
	WindowDuration:    time.Minute,
}

// defaultExportLimit is the default audit export rate limit (10 requests per minute).
var defaultExportLimit = RateLimitConfig{
	RequestsPerWindow: 10,
	WindowDuration:    time.Minute,
}

// DefaultGlobalLimit returns a copy of the default global rate limit config.
func DefaultGlobalLimit() RateLimitConfig {
	return defaultGlobalLimit
}

// DefaultExportLimit returns a copy of the default audit export rate limit config.
func DefaultExportLimit() RateLimitConfig {
	return defaultExportLimit
}

// Decision is the admission outcome for a single request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the oldest counted request leaves the window.
	Reset time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1
// for a denied decision.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ResetUnix returns Reset as epoch seconds, rounded up.
func (d Decision) ResetUnix() int64 {
	sec := d.Reset.Unix()
	if d.Reset.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// RateLimitStore defines the interface for rate limit state storage.
// This allows for different backends (in-memory, Redis, etc.).
type RateLimitStore interface {
	// Allow checks whether a request for key is admitted and records it only
	// when it is. A denied request never counts toward the window.
	Allow(ctx context.Context, key string, config RateLimitConfig) (Decision, error)

	// Remaining reports the unused quota for key without recording anything.
	Remaining(ctx context.Context, key string, config RateLimitConfig) (int, error)
}

// Peeker is implemented by stores that can report the full admission outcome
// for key without recording a request.
type Peeker interface {
	Peek(ctx context.Context, key string, config RateLimitConfig) (Decision, error)
}

// PeekDecision reports what Allow would decide for key without recording
// anything. Stores that do not implement Peeker only expose a count, so a full
// window is reported as resetting one whole window from now.
func PeekDecision(ctx context.Context, store RateLimitStore, key string, config RateLimitConfig) (Decision, error) {
	if p, ok := store.(Peeker); ok {
		return p.Peek(ctx, key, config)
	}
	remaining, err := store.Remaining(ctx, key, config)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:   remaining > 0,
		Limit:     config.RequestsPerWindow,
		Remaining: remaining,
		Reset:     time.Now().Add(config.WindowDuration),
	}
	if !d.Allowed {
		d.RetryAfter = config.WindowDuration
	}
	return d, nil
}

// peekDecision builds the outcome for a window holding count live requests,
// the oldest admitted at oldest.
func peekDecision(config RateLimitConfig, now time.Time, count int, oldest time.Time) Decision {
	d := Decision{
		Allowed:   count < config.RequestsPerWindow,
		Limit:     config.RequestsPerWindow,
		Remaining: max(0, config.RequestsPerWindow-count),
		Reset:     now.Add(config.WindowDuration),
	}
	if count > 0 {
		d.Reset = oldest.Add(config.WindowDuration)
	}
	if !d.Allowed {
		d.RetryAfter = d.Reset.Sub(now)
	}
	return d
}

// window holds the admitted request timestamps for one key, oldest first.
type window struct {
	mu       sync.Mutex
	hits     []time.Time
	duration time.Duration
	// dead is set once Cleanup has removed the window from the store.
	dead bool
}

// prune drops timestamps at or before cutoff. Must be called with w.mu held.
func (w *window) prune(cutoff time.Time) {
	idx := sort.Search(len(w.hits), func(i int) bool {
		return w.hits[i].After(cutoff)
	})
	if idx == 0 {
		return
	}
	n := copy(w.hits, w.hits[idx:])
	w.hits = w.hits[:n]
}

// countAfter returns the number of timestamps after cutoff without mutating.
// Must be called with w.mu held.
func (w *window) countAfter(cutoff time.Time) int {
	idx := sort.Search(len(w.hits), func(i int) bool {
		return w.hits[i].After(cutoff)
	})
	return len(w.hits) - idx
}

// oldestAfter returns the first timestamp after cutoff and the number of
// timestamps after it. Must be called with w.mu held.
func (w *window) oldestAfter(cutoff time.Time) (time.Time, int) {
	idx := sort.Search(len(w.hits), func(i int) bool {
		return w.hits[i].After(cutoff)
	})
	if idx == len(w.hits) {
		return time.Time{}, 0
	}
	return w.hits[idx], len(w.hits) - idx
}

// InMemoryRateLimitStore implements RateLimitStore with a sliding log per key.
// Each key has its own lock, so checks for distinct keys do not contend.
type InMemoryRateLimitStore struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
}

// InMemoryStoreOption configures an InMemoryRateLimitStore.
type InMemoryStoreOption func(*InMemoryRateLimitStore)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) InMemoryStoreOption {
	return func(s *InMemoryRateLimitStore) {
		s.now = now
	}
}

// NewInMemoryRateLimitStore creates a new in-memory rate limit store.
func NewInMemoryRateLimitStore(opts ...InMemoryStoreOption) *InMemoryRateLimitStore {
	s := &InMemoryRateLimitStore{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getWindow returns the window for key, creating it if needed.
func (s *InMemoryRateLimitStore) getWindow(key string) *window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &window{}
	s.windows[key] = w
	return w
}

// lockedWindow returns the live window for key with w.mu held. A window that
// Cleanup removed between lookup and locking is discarded and looked up again.
func (s *InMemoryRateLimitStore) lockedWindow(key string) *window {
	for {
		w := s.getWindow(key)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// Allow checks if a request from the given key should be allowed.
// Implements the RateLimitStore interface.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	if err := config.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid rate limit config: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-config.WindowDuration)

	w := s.lockedWindow(key)
	defer w.mu.Unlock()

	w.duration = config.WindowDuration
	w.prune(cutoff)

	if len(w.hits) >= config.RequestsPerWindow {
		reset := w.hits[0].Add(config.WindowDuration)
		return Decision{
			Allowed:    false,
			Limit:      config.RequestsPerWindow,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: reset.Sub(now),
		}, nil
	}

	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Limit:     config.RequestsPerWindow,
		Remaining: config.RequestsPerWindow - len(w.hits),
		Reset:     w.hits[0].Add(config.WindowDuration),
	}, nil
}

// Remaining reports the unused quota for key. It does not create or modify state.
func (s *InMemoryRateLimitStore) Remaining(ctx context.Context, key string, config RateLimitConfig) (int, error) {
	if err := config.Validate(); err != nil {
		return 0, fmt.Errorf("invalid rate limit config: %w", err)
	}

	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if !ok {
		return config.RequestsPerWindow, nil
	}

	cutoff := s.now().Add(-config.WindowDuration)
	w.mu.Lock()
	count := w.countAfter(cutoff)
	w.mu.Unlock()

	return max(0, config.RequestsPerWindow-count), nil
}

// Peek reports what Allow would decide for key. It does not create or modify
// state.
func (s *InMemoryRateLimitStore) Peek(ctx context.Context, key string, config RateLimitConfig) (Decision, error) {
	if err := config.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid rate limit config: %w", err)
	}

	now := s.now()
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if !ok {
		return peekDecision(config, now, 0, time.Time{}), nil
	}

	w.mu.Lock()
	oldest, count := w.oldestAfter(now.Add(-config.WindowDuration))
	w.mu.Unlock()

	return peekDecision(config, now, count, oldest), nil
}

// Cleanup removes keys whose windows hold no live timestamps, bounding memory
// growth across many distinct clients. Expiry is still evaluated lazily in
// Allow, so skipping Cleanup never affects admission decisions.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		w.mu.Lock()
		w.prune(now.Add(-w.duration))
		empty := len(w.hits) == 0
		if empty {
			w.dead = true
		}
		w.mu.Unlock()
		if empty {
			delete(s.windows, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the client IP address of r.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order and strips
// any port.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxied requests)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Use the first IP in the chain, trimming whitespace per RFC 7239
		firstIP := xff
		if idx := strings.Index(xff, ","); idx != -1 {
			firstIP = xff[:idx]
		}
		if firstIP = strings.TrimSpace(firstIP); firstIP != "" {
			return stripPort(firstIP)
		}
	}
	// Check X-Real-IP header
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	// Fall back to RemoteAddr (strip port properly for both IPv4 and IPv6)
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// Address might not have a port
		return addr
	}
	return host
}

// HashCredential returns a stable, non-reversible identifier for a credential
// so that raw tokens never end up in store keys or logs.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:16])
}

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		return ClientIP(r)
	}
}

// UserKeyFunc returns a KeyFunc that uses the authenticated user's ID if available,
// falling back to IP address.
func UserKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if userID := GetUserID(r.Context()); userID != "" {
			return "user:" + userID
		}
		return "ip:" + ClientIP(r)
	}
}

// CredentialKeyFunc returns a KeyFunc that derives the key from the request's
// credential: a bearer token hash first, then an API key hash, then client IP.
func CredentialKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if token := BearerToken(r); token != "" {
			return "user:" + HashCredential(token)
		}
		if apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); apiKey != "" {
			return "apikey:" + HashCredential(apiKey)
		}
		return "ip:" + ClientIP(r)
	}
}

// HeaderAPIKey is the request header carrying an API key.
const HeaderAPIKey = "X-API-Key"

// BearerToken returns the bearer token from the Authorization header, if any.
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// keyType returns the namespace of a rate limit key for metric labels.
func keyType(key string) string {
	if idx := strings.Index(key, ":"); idx > 0 {
		return key[:idx]
	}
	return "ip"
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for d.
func SetRateLimitHeaders(h http.Header, d Decision) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetUnix(), 10))
}

// RateLimiterOption configures the RateLimiter middleware.
type RateLimiterOption func(*rateLimiterOptions)

type rateLimiterOptions struct {
	metrics  *Metrics
	endpoint string
	logger   *slog.Logger
}

// WithRateLimitMetrics records rate limit checks for endpoint on m.
func WithRateLimitMetrics(m *Metrics, endpoint string) RateLimiterOption {
	return func(o *rateLimiterOptions) {
		o.metrics = m
		o.endpoint = endpoint
	}
}

// WithRateLimitLogger sets the logger used for fail-open events.
func WithRateLimitLogger(logger *slog.Logger) RateLimiterOption {
	return func(o *rateLimiterOptions) {
		o.logger = logger
	}
}

// safeAllow calls store.Allow, converting a panic into an error.
func safeAllow(ctx context.Context, store RateLimitStore, key string, config RateLimitConfig) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rate limit store panicked: %v", rec)
		}
	}()
	return store.Allow(ctx, key, config)
}

// RateLimiter is a middleware that limits request rates.
// It returns HTTP 429 Too Many Requests when the limit is exceeded.
//
// Errors from the store (including panics) fail open: the request is served and
// the failure is logged and counted.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, opts ...RateLimiterOption) func(http.Handler) http.Handler {
	return rateLimit(store, func(*http.Request) RateLimitConfig { return config }, keyFunc, opts)
}

func rateLimit(store RateLimitStore, configFor func(*http.Request) RateLimitConfig, keyFunc KeyFunc, opts []RateLimiterOption) func(http.Handler) http.Handler {
	o := rateLimiterOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			config := configFor(r)

			if o.metrics != nil {
				o.metrics.IncRateLimitRequests(o.endpoint, keyType(key))
			}

			decision, err := safeAllow(r.Context(), store, key, config)
			if err != nil {
				o.logger.WarnContext(r.Context(), "rate limiter failed, allowing request",
					"error", err,
					"key_type", keyType(key),
				)
				if o.metrics != nil {
					o.metrics.IncRateLimitFailOpen(o.endpoint)
				}
				next.ServeHTTP(w, r)
				return
			}

			SetRateLimitHeaders(w.Header(), decision)

			if !decision.Allowed {
				if o.metrics != nil {
					o.metrics.IncRateLimitBlocked(o.endpoint, keyType(key))
				}

				// Set error code for logging middleware
				UpdateResponseContext(w, SetErrorCode(r.Context(), "rate_limit_exceeded"))

				w.Header().Set(HeaderRetryAfter, strconv.Itoa(decision.RetryAfterSeconds()))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
