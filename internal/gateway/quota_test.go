package gateway

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMonthlyPeriod(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		want      Period
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			at:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			want:      "2026-03",
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "december rolls the year",
			at:        time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
			want:      "2026-12",
			wantStart: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "local time is converted to UTC",
			at:        time.Date(2026, 4, 1, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			want:      "2026-03",
			wantStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := MonthlyPeriod(tt.at)
			if p != tt.want {
				t.Errorf("MonthlyPeriod() = %q, want %q", p, tt.want)
			}
			if !p.Start().Equal(tt.wantStart) {
				t.Errorf("Start() = %v, want %v", p.Start(), tt.wantStart)
			}
			if !p.End().Equal(tt.wantEnd) {
				t.Errorf("End() = %v, want %v", p.End(), tt.wantEnd)
			}
		})
	}
}

func TestInMemoryQuotaStore(t *testing.T) {
	s := NewInMemoryQuotaStore()
	ctx := context.Background()

	if n, err := s.Usage(ctx, "k1", "2026-03"); err != nil || n != 0 {
		t.Fatalf("Usage() on empty store = %d, %v", n, err)
	}

	for i := int64(1); i <= 3; i++ {
		n, err := s.Increment(ctx, "k1", "2026-03")
		if err != nil {
			t.Fatalf("Increment() error: %v", err)
		}
		if n != i {
			t.Errorf("Increment() = %d, want %d", n, i)
		}
	}

	if n, _ := s.Usage(ctx, "k1", "2026-04"); n != 0 {
		t.Errorf("next period usage = %d, want 0", n)
	}
	if n, _ := s.Usage(ctx, "k2", "2026-03"); n != 0 {
		t.Errorf("other key usage = %d, want 0", n)
	}
	if n, _ := s.Usage(ctx, "k1", "2026-03"); n != 3 {
		t.Errorf("usage = %d, want 3", n)
	}
}

func TestInMemoryQuotaStore_Concurrent(t *testing.T) {
	s := NewInMemoryQuotaStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(ctx, "k", "2026-03")
		}()
	}
	wg.Wait()

	if n, _ := s.Usage(ctx, "k", "2026-03"); n != 100 {
		t.Errorf("usage = %d, want 100", n)
	}
}

func TestInMemoryQuotaStore_Prune(t *testing.T) {
	s := NewInMemoryQuotaStore()
	ctx := context.Background()
	_, _ = s.Increment(ctx, "k", "2026-01")
	_, _ = s.Increment(ctx, "k", "2026-02")
	_, _ = s.Increment(ctx, "k", "2026-03")

	removed := s.Prune(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if removed != 2 {
		t.Errorf("Prune() removed %d, want 2", removed)
	}
	if n, _ := s.Usage(ctx, "k", "2026-03"); n != 1 {
		t.Errorf("current period usage = %d, want 1", n)
	}
}
