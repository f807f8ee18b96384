package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	// DefaultRemoteTimeout bounds each POST to the remote endpoint.
	DefaultRemoteTimeout = 3 * time.Second
	// DefaultRemoteQueueSize is the number of entries buffered for delivery.
	DefaultRemoteQueueSize = 1024
)

var (
	// ErrQueueFull is returned when an entry is dropped because the delivery queue is full.
	ErrQueueFull = errors.New("audit sink queue full")
	// ErrSinkClosed is returned when writing to a closed sink.
	ErrSinkClosed = errors.New("audit sink closed")
)

// RemoteSinkConfig configures a RemoteSink.
type RemoteSinkConfig struct {
	// URL receives each entry as a JSON POST body.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds each request. Defaults to DefaultRemoteTimeout.
	Timeout time.Duration
	// QueueSize bounds buffered entries. Defaults to DefaultRemoteQueueSize.
	QueueSize int
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit breaker. Defaults to 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	// Defaults to 30s.
	OpenTimeout time.Duration
	// HTTPClient overrides the client used for delivery.
	HTTPClient *http.Client
}

// RemoteSink posts entries to an HTTP endpoint from a background worker.
// Write only enqueues; delivery is best-effort with no retry. A circuit
// breaker stops paying the request timeout while the endpoint is down.
type RemoteSink struct {
	cfg     RemoteSinkConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics *Metrics

	// mu guards closed and sending on queue.
	mu     sync.RWMutex
	closed bool
	queue  chan *Entry
	wg     sync.WaitGroup
}

// NewRemoteSink validates cfg and starts the delivery worker.
// logger and metrics may be nil.
func NewRemoteSink(cfg RemoteSinkConfig, logger *slog.Logger, metrics *Metrics) (*RemoteSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid remote sink URL %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRemoteQueueSize
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	s := &RemoteSink{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan *Entry, cfg.QueueSize),
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit-remote-sink",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("audit remote sink circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Name implements Sink.
func (s *RemoteSink) Name() string {
	return "remote"
}

// Write enqueues e for delivery. It never blocks: when the queue is full the
// entry is dropped and ErrQueueFull is returned.
func (s *RemoteSink) Write(_ context.Context, e *Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (s *RemoteSink) BreakerState() string {
	return s.breaker.State().String()
}

func (s *RemoteSink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		s.deliver(e)
	}
}

func (s *RemoteSink) deliver(e *Entry) {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(e)
	})
	if err != nil {
		s.metrics.sinkError(s.Name())
		s.logger.Warn("audit remote sink delivery failed",
			"entry_id", e.ID,
			"error", err,
		)
		return
	}
	s.metrics.sinkDelivery(s.Name())
}

func (s *RemoteSink) post(e *Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting entries and waits for queued entries to be delivered
// or for ctx to end.
func (s *RemoteSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit remote sink: %w", ctx.Err())
	}
}
