package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/complianced/internal/audit"
)

// ErrChainBroken is returned when verification finds a tampered chain.
var ErrChainBroken = errors.New("audit chain verification failed")

// ChainVerifier is implemented by *audit.Chain.
type ChainVerifier interface {
	Verify() audit.VerifyResult
}

// WindowCleaner is implemented by *middleware.InMemoryRateLimitStore.
type WindowCleaner interface {
	Cleanup()
	Len() int
}

// QuotaPruner is implemented by *gateway.InMemoryQuotaStore.
type QuotaPruner interface {
	Prune(now time.Time) int
}

// ChainStatus keeps the outcome of the latest chain verification.
// It satisfies the readiness checker interface.
type ChainStatus struct {
	mu       sync.RWMutex
	checked  bool
	valid    bool
	problems []string
	at       time.Time
}

// Record stores a verification outcome.
func (s *ChainStatus) Record(valid bool, problems []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = true
	s.valid = valid
	s.problems = problems
	s.at = at
}

// Last returns the latest outcome. ok is false before the first verification.
func (s *ChainStatus) Last() (valid bool, problems []string, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid, s.problems, s.at, s.checked
}

// HealthCheck reports ErrChainBroken when the latest verification failed.
func (s *ChainStatus) HealthCheck(context.Context) error {
	valid, problems, at, ok := s.Last()
	if !ok || valid {
		return nil
	}
	return fmt.Errorf("%w at %s: %s", ErrChainBroken, at.Format(time.RFC3339), strings.Join(problems, "; "))
}

// ChainVerifyJob recomputes every hash of the chain and records the outcome in status.
func ChainVerifyJob(chain ChainVerifier, status *ChainStatus, interval time.Duration, now func() time.Time) Job {
	return Job{
		Name:     JobTypeChainVerify,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			res := chain.Verify()
			status.Record(res.Valid, res.Problems, now())
			if !res.Valid {
				return res.Length, fmt.Errorf("%w: %d problems", ErrChainBroken, len(res.Problems))
			}
			return res.Length, nil
		},
	}
}

// RateLimitCleanupJob drops idle keys from the in-memory rate limit store.
func RateLimitCleanupJob(store WindowCleaner, interval time.Duration) Job {
	return Job{
		Name:     JobTypeRateLimitCleanup,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			before := store.Len()
			store.Cleanup()
			return before - store.Len(), nil
		},
	}
}

// QuotaPruneJob drops counters of finished quota periods from the in-memory store.
func QuotaPruneJob(store QuotaPruner, interval time.Duration, now func() time.Time) Job {
	return Job{
		Name:     JobTypeQuotaPrune,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return store.Prune(now()), nil
		},
	}
}
