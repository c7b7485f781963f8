// Package worker provides a bounded worker pool that drives pipeline runs
// for ended call sessions.
//
// Sessions are enqueued with [Pool.Submit] and picked up by a fixed number of
// workers. The queue is bounded so a burst of call endings applies
// backpressure at the API layer instead of growing memory without limit.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Queue state errors returned by [Pool.Submit].
var (
	ErrQueueFull = errors.New("worker: queue full")
	ErrClosed    = errors.New("worker: pool closed")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 32
)

// Runner executes one pipeline run for a session. Run blocks until the
// session reaches a terminal state; the error is informational since the
// pipeline records failures on the session itself.
type Runner interface {
	Run(ctx context.Context, sessionID string) error
}

// RunnerFunc adapts a plain function to the [Runner] interface.
type RunnerFunc func(ctx context.Context, sessionID string) error

func (f RunnerFunc) Run(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

// Option configures a [Pool].
type Option func(*Pool)

// WithWorkers sets the number of concurrent workers. Values below 1 are
// ignored.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the pending-job queue capacity. Values below 1 are
// ignored.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.queueSize = n
		}
	}
}

// WithLogger sets the logger used for per-run failures.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// Pool runs sessions through a [Runner] with bounded concurrency.
type Pool struct {
	runner    Runner
	workers   int
	queueSize int
	log       *slog.Logger

	mu     sync.Mutex
	jobs   chan string
	closed bool

	eg *errgroup.Group
}

// New creates a pool. Call [Pool.Start] before submitting sessions.
func New(runner Runner, opts ...Option) *Pool {
	p := &Pool{
		runner:    runner,
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.jobs = make(chan string, p.queueSize)
	return p
}

// Start launches the worker goroutines. Workers exit when ctx is cancelled
// or when [Pool.Close] drains the queue. Start must be called exactly once.
func (p *Pool) Start(ctx context.Context) {
	p.eg = &errgroup.Group{}
	for i := 0; i < p.workers; i++ {
		p.eg.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

// work consumes jobs until the queue is closed or ctx is cancelled.
func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := p.runner.Run(ctx, id); err != nil {
				p.log.Error("pipeline run failed",
					slog.String("session_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Submit enqueues a session for processing. It never blocks: when the queue
// is full it returns [ErrQueueFull] so the caller can surface backpressure,
// and after [Pool.Close] it returns [ErrClosed].
func (p *Pool) Submit(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- sessionID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of sessions waiting in the queue.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Close stops accepting new sessions, lets the workers drain the queue, and
// waits for in-flight runs to finish. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if p.eg != nil {
		return p.eg.Wait()
	}
	return nil
}
