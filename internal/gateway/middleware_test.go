package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/complianced/internal/api"
	"github.com/onnwee/complianced/internal/middleware"
)

// echoKeyHandler writes the API key owner found in the context.
var echoKeyHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.GetAPIKey(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_, _ = w.Write([]byte(info.Owner + "/" + info.Tier))
})

func serve(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/audit/verify", nil)
	if key != "" {
		req.Header.Set(middleware.HeaderAPIKey, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	plaintext, _ := f.issue(t, middleware.TierFree)
	h := f.gw.Middleware(echoKeyHandler)

	rr := serve(h, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", rr.Code)
	}
	if code := errorCode(t, rr); code != api.ErrCodeAuthFailed {
		t.Errorf("error code = %q, want %q", code, api.ErrCodeAuthFailed)
	}

	rr = serve(h, "ck_wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rr.Code)
	}

	for i := 0; i < 2; i++ {
		rr = serve(h, plaintext)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rr.Code)
		}
		if rr.Body.String() != "acme/free" {
			t.Errorf("handler saw key %q, want acme/free", rr.Body.String())
		}
		if rr.Header().Get(middleware.HeaderRateLimitLimit) != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", rr.Header().Get(middleware.HeaderRateLimitLimit))
		}
		if rr.Header().Get(HeaderQuotaLimit) != "3" {
			t.Errorf("X-Quota-Limit = %q, want 3", rr.Header().Get(HeaderQuotaLimit))
		}
	}

	rr = serve(h, plaintext)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get(middleware.HeaderRetryAfter) == "" {
		t.Error("rate limited response should carry Retry-After")
	}
	if code := errorCode(t, rr); code != api.ErrCodeRateLimited {
		t.Errorf("error code = %q, want %q", code, api.ErrCodeRateLimited)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	plaintext, key := f.issue(t, middleware.TierFree)
	period := MonthlyPeriod(f.clock.Now())
	for i := 0; i < 3; i++ {
		_, _ = f.quotas.Increment(t.Context(), key.ID, period)
	}

	rr := serve(f.gw.Middleware(echoKeyHandler), plaintext)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get(HeaderQuotaRemaining) != "0" {
		t.Errorf("X-Quota-Remaining = %q, want 0", rr.Header().Get(HeaderQuotaRemaining))
	}
	if code := errorCode(t, rr); code != api.ErrCodeQuotaExceeded {
		t.Errorf("error code = %q, want %q", code, api.ErrCodeQuotaExceeded)
	}
}

func TestMiddleware_FailOpen(t *testing.T) {
	keys := NewInMemoryKeyStore()
	plaintext, _, err := keys.Issue("k", "acme", middleware.TierEnterprise, 0)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	m := NewMetrics()
	gw, err := New(keys, failingLimiter{}, NewInMemoryQuotaStore(), DefaultPlans(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	rr := serve(gw.Middleware(echoKeyHandler), plaintext)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when the limiter fails", rr.Code)
	}
	if rr.Body.String() != "acme/enterprise" {
		t.Errorf("handler saw key %q", rr.Body.String())
	}
	if got := testutil.ToFloat64(m.failOpen); got != 1 {
		t.Errorf("fail open count = %v, want 1", got)
	}

	rr = serve(gw.Middleware(echoKeyHandler), "ck_wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("invalid key with failing limiter status = %d, want 401", rr.Code)
	}
}

// panickingLimiter panics on every call, like a store with corrupted state.
type panickingLimiter struct{}

func (panickingLimiter) Allow(context.Context, string, middleware.RateLimitConfig) (middleware.Decision, error) {
	panic("corrupted limiter state")
}

func (panickingLimiter) Remaining(context.Context, string, middleware.RateLimitConfig) (int, error) {
	panic("corrupted limiter state")
}

// panickingQuotaStore panics on every call.
type panickingQuotaStore struct{}

func (panickingQuotaStore) Usage(context.Context, string, Period) (int64, error) {
	panic("corrupted quota state")
}

func (panickingQuotaStore) Increment(context.Context, string, Period) (int64, error) {
	panic("corrupted quota state")
}

func TestMiddleware_BackendPanicFailsOpen(t *testing.T) {
	tests := []struct {
		name    string
		limiter middleware.RateLimitStore
		quotas  QuotaStore
	}{
		{"rate limit store", panickingLimiter{}, NewInMemoryQuotaStore()},
		{"quota store", middleware.NewInMemoryRateLimitStore(), panickingQuotaStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := NewInMemoryKeyStore()
			plaintext, _, err := keys.Issue("k", "acme", middleware.TierFree, 0)
			if err != nil {
				t.Fatalf("Issue() error: %v", err)
			}
			m := NewMetrics()
			gw, err := New(keys, tt.limiter, tt.quotas, DefaultPlans(),
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				WithMetrics(m),
			)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}

			rr := serve(gw.Middleware(echoKeyHandler), plaintext)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 when a backend panics", rr.Code)
			}
			if rr.Body.String() != "acme/free" {
				t.Errorf("handler saw key %q", rr.Body.String())
			}
			if got := testutil.ToFloat64(m.failOpen); got != 1 {
				t.Errorf("fail open count = %v, want 1", got)
			}
		})
	}
}

func TestMiddleware_KeyStoreUnavailable(t *testing.T) {
	gw, err := New(failingKeyStore{}, middleware.NewInMemoryRateLimitStore(), NewInMemoryQuotaStore(), DefaultPlans(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	rr := serve(gw.Middleware(echoKeyHandler), "ck_any")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if code := errorCode(t, rr); code != api.ErrCodeUnavailable {
		t.Errorf("error code = %q, want %q", code, api.ErrCodeUnavailable)
	}
}

func TestUsageHandler(t *testing.T) {
	f := newFixture(t)
	plaintext, key := f.issue(t, middleware.TierProfessional)

	h := f.gw.Middleware(f.gw.UsageHandler())
	rr := serve(h, plaintext)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	var report UsageReport
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode usage: %v", err)
	}
	// The usage request itself was admitted and counted.
	if report.KeyID != key.ID || report.Used != 1 || report.Limit != 100 || report.Remaining != 99 {
		t.Errorf("report = %+v", report)
	}

	rr = httptest.NewRecorder()
	f.gw.UsageHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("usage without key status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	f.gw.UsageHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/usage", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST usage status = %d, want 405", rr.Code)
	}
}
