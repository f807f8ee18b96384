package middleware

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFallbackRateLimitStore_UsesPrimary(t *testing.T) {
	primary := NewInMemoryRateLimitStore()
	fallback := NewInMemoryRateLimitStore()
	m := NewMetrics()
	store := NewFallbackRateLimitStore(primary, fallback, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}

	d, err := store.Allow(context.Background(), "k", config)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !d.Allowed || d.Remaining != 1 {
		t.Errorf("got %+v, want allowed with remaining 1", d)
	}
	if fallback.Len() != 0 {
		t.Error("fallback should not be touched while primary is healthy")
	}
	if got := testutil.ToFloat64(m.rateLimitRedisErrors); got != 0 {
		t.Errorf("redis errors = %v, want 0", got)
	}
}

func TestFallbackRateLimitStore_FallsBackOnError(t *testing.T) {
	fallback := NewInMemoryRateLimitStore()
	m := NewMetrics()
	store := NewFallbackRateLimitStore(errStore{}, fallback, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := store.Allow(ctx, "k", config)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed by fallback", i+1)
		}
	}

	// The fallback still enforces its own limit.
	d, _ := store.Allow(ctx, "k", config)
	if d.Allowed {
		t.Error("third request should be denied by fallback")
	}

	n, err := store.Remaining(ctx, "k", config)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != 0 {
		t.Errorf("Remaining() = %d, want 0", n)
	}

	if got := testutil.ToFloat64(m.rateLimitRedisErrors); got != 4 {
		t.Errorf("redis errors = %v, want 4", got)
	}
}

func TestFallbackRateLimitStore_NilMetrics(t *testing.T) {
	store := NewFallbackRateLimitStore(errStore{}, NewInMemoryRateLimitStore(), nil, nil)
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	if _, err := store.Allow(context.Background(), "k", config); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
}

func TestFallbackRateLimitStore_Peek(t *testing.T) {
	clock := newFakeClock()
	fallback := NewInMemoryRateLimitStore(WithClock(clock.Now))
	m := NewMetrics()
	store := NewFallbackRateLimitStore(errStore{}, fallback, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	if _, err := store.Allow(ctx, "k", config); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	clock.Advance(15 * time.Second)

	d, err := store.Peek(ctx, "k", config)
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if d.Allowed || d.RetryAfter != 45*time.Second {
		t.Errorf("Peek() = %+v, want denied with 45s wait from the fallback window", d)
	}
	if got := testutil.ToFloat64(m.rateLimitRedisErrors); got != 2 {
		t.Errorf("redis errors = %v, want 2", got)
	}
}
