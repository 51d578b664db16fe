package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kidsactivity-backend/lib/extractor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

type SchedulerOptions struct {
	// most tasks in flight across every provider
	GlobalLimit int
	// most tasks in flight against one provider's site; zero disables
	// the per-provider ceiling
	PerProviderLimit int
	// deadline applied to each attempt of each task
	TaskTimeout time.Duration
	// attempts per task, counting the first
	MaxAttempts int
	// first retry delay, doubled each further attempt
	BackoffBase time.Duration
}

// TaskFailure is one task that exhausted its attempts (or never ran
// because the run was cancelled first).
type TaskFailure struct {
	Provider string
	Label    string
	Attempts int
	Err      error
}

// Scheduler runs independent scrape tasks under a global and a
// per-provider concurrency ceiling. Retry applies only to errors the
// extractor marks retryable; bad data fails a task immediately.
type Scheduler struct {
	// every task runs under this context, never under the submitter's;
	// a task's attempt context dies when the attempt returns, and tasks
	// it spawned must outlive it
	base context.Context

	opts   SchedulerOptions
	global *semaphore.Weighted

	mu          sync.Mutex
	perProvider map[string]*semaphore.Weighted

	wg sync.WaitGroup

	failMu   sync.Mutex
	failures []TaskFailure
}

func NewScheduler(ctx context.Context, opts SchedulerOptions) *Scheduler {
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Minute * 2
	}
	return &Scheduler{
		base:        ctx,
		opts:        opts,
		global:      semaphore.NewWeighted(int64(opts.GlobalLimit)),
		perProvider: map[string]*semaphore.Weighted{},
	}
}

func (s *Scheduler) providerSem(providerID string) *semaphore.Weighted {
	if s.opts.PerProviderLimit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.perProvider[providerID]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.opts.PerProviderLimit))
		s.perProvider[providerID] = sem
	}
	return sem
}

// Go submits one task. It returns immediately; the task runs once both
// the global and the provider slot are free. Safe to call from inside
// a running task, which is how section tasks fan out into detail tasks:
// the child runs under the scheduler's base context, so it survives the
// parent attempt finishing.
func (s *Scheduler) Go(providerID string, label string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.global.Acquire(s.base, 1); err != nil {
			s.recordFailure(TaskFailure{Provider: providerID, Label: label, Err: err})
			return
		}
		defer s.global.Release(1)

		if sem := s.providerSem(providerID); sem != nil {
			if err := sem.Acquire(s.base, 1); err != nil {
				s.recordFailure(TaskFailure{Provider: providerID, Label: label, Err: err})
				return
			}
			defer sem.Release(1)
		}

		s.runTask(s.base, providerID, label, fn)
	}()
}

// Wait blocks until every submitted task (including tasks submitted by
// tasks) finishes, then returns the accumulated failures.
func (s *Scheduler) Wait() []TaskFailure {
	s.wg.Wait()
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures
}

func (s *Scheduler) recordFailure(failure TaskFailure) {
	s.failMu.Lock()
	s.failures = append(s.failures, failure)
	s.failMu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, providerID string, label string, fn func(ctx context.Context) error) {
	ctx, span := tracer.Start(ctx, "task")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", providerID),
		attribute.String("task", label),
	)

	backoff := s.opts.BackoffBase
	attempts := 0
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.TaskTimeout)
		err := fn(attemptCtx)
		cancel()

		attempts = attempt
		if err == nil {
			return
		}
		lastErr = err

		if !extractor.Retryable(err) || attempt == s.opts.MaxAttempts {
			break
		}

		slog.WarnContext(ctx, "task failed, retrying",
			"provider", providerID,
			"task", label,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
		backoff *= 2
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "task failed")
	slog.ErrorContext(ctx, "task failed",
		"provider", providerID,
		"task", label,
		"err", lastErr,
	)
	s.recordFailure(TaskFailure{
		Provider: providerID,
		Label:    label,
		Attempts: attempts,
		Err:      lastErr,
	})
}
