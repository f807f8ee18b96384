package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/complianced/internal/tracing"
)

// ErrUnknownJob is returned by RunOnce for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// Run returns the number of items it processed.
	Run func(ctx context.Context) (int, error)
}

// Runner executes jobs on their intervals until its context is cancelled.
type Runner struct {
	mu      sync.Mutex
	jobs    map[string]Job
	order   []string
	logger  *slog.Logger
	metrics *Metrics
	wg      sync.WaitGroup
}

// NewRunner creates an empty runner. metrics may be nil.
func NewRunner(logger *slog.Logger, metrics *Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:    make(map[string]Job),
		logger:  logger,
		metrics: metrics,
	}
}

// Add registers job. Adding a name twice replaces the earlier job.
func (r *Runner) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; !ok {
		r.order = append(r.order, job.Name)
	}
	r.jobs[job.Name] = job
	return nil
}

// Start launches one goroutine per job. Each job first runs after one
// interval. Use Wait to block until all goroutines exit after ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		job := r.jobs[name]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = r.run(ctx, job)
				}
			}
		}()
	}
	r.logger.Info("background jobs started", "jobs", len(r.order))
}

// Wait blocks until every job goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunOnce executes the named job immediately.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, job)
}

// run executes job with tracing, metrics and panic recovery.
func (r *Runner) run(ctx context.Context, job Job) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "job."+job.Name)
	start := time.Now()
	items := 0

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
			r.metrics.IncJobErrors(job.Name, "panic")
		} else if err != nil {
			r.metrics.IncJobErrors(job.Name, errorType(err))
		}

		r.metrics.ObserveJobDuration(job.Name, time.Since(start).Seconds())
		r.metrics.AddItems(job.Name, items)
		endSpan(err)

		if err != nil {
			r.metrics.IncJobsTotal(job.Name, StatusFailure)
			r.logger.ErrorContext(ctx, "background job failed", "job", job.Name, "error", err)
			return
		}
		r.metrics.IncJobsTotal(job.Name, StatusSuccess)
		r.logger.DebugContext(ctx, "background job completed", "job", job.Name, "items", items)
	}()

	items, err = job.Run(ctx)
	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrChainBroken):
		return "chain_broken"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
