package gateway

import (
	"context"
	"sync"
	"time"
)

// Period identifies a calendar month in UTC, formatted "2006-01".
type Period string

// MonthlyPeriod returns the period containing t.
func MonthlyPeriod(t time.Time) Period {
	return Period(t.UTC().Format("2006-01"))
}

// Start returns the first instant of the period.
func (p Period) Start() time.Time {
	t, err := time.Parse("2006-01", string(p))
	if err != nil {
		return time.Time{}
	}
	return t
}

// End returns the first instant after the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// QuotaStore counts admitted requests per key and period.
type QuotaStore interface {
	// Usage returns the count recorded for key in period without changing it.
	Usage(ctx context.Context, key string, period Period) (int64, error)
	// Increment records one request and returns the new count.
	Increment(ctx context.Context, key string, period Period) (int64, error)
}

type quotaKey struct {
	key    string
	period Period
}

// InMemoryQuotaStore is an in-memory implementation of QuotaStore.
// Counters of past periods are kept until Prune removes them.
type InMemoryQuotaStore struct {
	mu     sync.Mutex
	counts map[quotaKey]int64
}

// NewInMemoryQuotaStore creates an empty quota store.
func NewInMemoryQuotaStore() *InMemoryQuotaStore {
	return &InMemoryQuotaStore{counts: make(map[quotaKey]int64)}
}

// Usage implements QuotaStore.
func (s *InMemoryQuotaStore) Usage(_ context.Context, key string, period Period) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[quotaKey{key, period}], nil
}

// Increment implements QuotaStore.
func (s *InMemoryQuotaStore) Increment(_ context.Context, key string, period Period) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := quotaKey{key, period}
	s.counts[k]++
	return s.counts[k], nil
}

// Prune drops counters of periods that ended before now and returns how many
// were removed.
func (s *InMemoryQuotaStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.counts {
		if !k.period.End().After(now) {
			delete(s.counts, k)
			removed++
		}
	}
	return removed
}
