package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds construction-time settings for a Chain.
type Config struct {
	// ServiceName is stamped on every entry as provenance.
	ServiceName string
	// Sinks receive a copy of every appended entry.
	Sinks []Sink
	// AnonymizeIPs truncates client IPs before they are recorded.
	AnonymizeIPs bool
}

// Option configures optional Chain dependencies.
type Option func(*Chain)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// Chain is an append-only, hash-linked sequence of audit entries owned by a
// single process. Every entry's hash covers the previous entry's hash, so
// altering, removing or reordering an entry breaks verification of the entry
// after it.
//
// Removing entries from the tail cannot be detected: nothing references the
// hash of the last entry. Detecting truncation needs an external checkpoint
// of LastHash and Len.
type Chain struct {
	// mu guards entries and lastHash. Log holds it across hashing and append
	// so two concurrent calls can never link to the same predecessor.
	mu       sync.RWMutex
	entries  []*Entry
	lastHash string

	serviceName  string
	sinks        []Sink
	anonymizeIPs bool

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

// New creates an empty chain.
func New(cfg Config, opts ...Option) *Chain {
	c := &Chain{
		serviceName:  cfg.ServiceName,
		sinks:        cfg.Sinks,
		anonymizeIPs: cfg.AnonymizeIPs,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServiceName returns the service name stamped on entries.
func (c *Chain) ServiceName() string {
	return c.serviceName
}

// Log records an entry, links it to the chain and mirrors it to every sink.
//
// The only errors returned are validation errors for missing required fields.
// Sink failures are logged and counted, never returned.
func (c *Chain) Log(ctx context.Context, in LogEntry) (*Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:           uuid.NewString(),
		Timestamp:    c.now().UTC(),
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		UserID:       in.UserID,
		UserEmail:    in.UserEmail,
		UserRole:     in.UserRole,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Regulation:   in.Regulation,
		Requirement:  in.Requirement,
		DataTypes:    in.DataTypes,
		Severity:     in.Severity,
		Outcome:      in.Outcome,
		Details:      in.Details,
		ServiceName:  c.serviceName,
		FunctionName: in.FunctionName,
		ModuleName:   in.ModuleName,
		RequestID:    in.RequestID,
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if c.anonymizeIPs && e.IPAddress != "" {
		e.IPAddress = AnonymizeIP(e.IPAddress)
	}
	// Detach from caller-owned slices and maps.
	e = e.Clone()

	c.mu.Lock()
	hash, err := ComputeHash(e, c.lastHash)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("hash audit entry: %w", err)
	}
	e.PreviousHash = c.lastHash
	e.EntryHash = hash
	c.entries = append(c.entries, e)
	c.lastHash = hash
	length := len(c.entries)
	c.mu.Unlock()

	c.metrics.entryAppended(e.Action, length)

	out := e.Clone()
	c.dispatch(ctx, out)
	return out, nil
}

// dispatch writes e to every sink. Sinks get their own copy.
func (c *Chain) dispatch(ctx context.Context, e *Entry) {
	for _, s := range c.sinks {
		if err := s.Write(ctx, e.Clone()); err != nil {
			if errors.Is(err, ErrQueueFull) {
				c.metrics.sinkDrop(s.Name())
			} else {
				c.metrics.sinkError(s.Name())
			}
			c.logger.WarnContext(ctx, "audit sink write failed",
				"sink", s.Name(),
				"entry_id", e.ID,
				"error", err,
			)
		}
	}
}

// VerifyChain recomputes every entry's hash from its canonical fields and the
// previous entry's recorded hash, and checks each entry's PreviousHash link.
// All failures are reported; verification does not stop at the first one.
func (c *Chain) VerifyChain() (bool, []string) {
	r := c.Verify()
	return r.Valid, r.Problems
}

// VerifyResult is the outcome of verifying the chain at one point in time.
type VerifyResult struct {
	Valid    bool
	Problems []string
	Length   int
	LastHash string
}

// Verify checks the chain like VerifyChain and reports the length and head
// hash it checked. All fields come from the same chain state.
func (c *Chain) Verify() VerifyResult {
	c.mu.RLock()
	valid, problems := VerifyEntries(c.entries)
	r := VerifyResult{
		Valid:    valid,
		Problems: problems,
		Length:   len(c.entries),
		LastHash: c.lastHash,
	}
	c.mu.RUnlock()

	c.metrics.verified(valid)
	return r
}

// VerifyEntries checks a chronologically ordered slice of entries, such as a
// parsed JSON export of a whole chain.
func VerifyEntries(entries []*Entry) (bool, []string) {
	var problems []string
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			problems = append(problems, fmt.Sprintf(
				"entry %d (%s): previous_hash %q does not match preceding entry_hash %q",
				i, e.ID, e.PreviousHash, prev))
		}
		want, err := ComputeHash(e, prev)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("entry %d (%s): %v", i, e.ID, err))
		case want != e.EntryHash:
			problems = append(problems, fmt.Sprintf(
				"entry %d (%s): entry_hash mismatch, recorded %q, computed %q",
				i, e.ID, e.EntryHash, want))
		}
		prev = e.EntryHash
	}
	return len(problems) == 0, problems
}

// Entries returns copies of all entries in chronological order.
func (c *Chain) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Clone()
	}
	return out
}

// Get returns a copy of the entry with the given ID.
func (c *Chain) Get(id string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LastHash returns the hash of the newest entry, or "" for an empty chain.
func (c *Chain) LastHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHash
}

// Close flushes and releases every sink that holds resources.
func (c *Chain) Close(ctx context.Context) error {
	var errs []error
	for _, s := range c.sinks {
		if closer, ok := s.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
