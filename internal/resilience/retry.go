package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry policy for external-capability calls: at most three
// attempts with exponential backoff starting at 500 ms.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 500 * time.Millisecond
)

// RetryConfig tunes the Retry helper. Zero-value fields take the package
// defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// InitialInterval is the first backoff delay; subsequent delays grow
	// exponentially with jitter.
	InitialInterval time.Duration

	// MaxElapsedTime bounds the whole retry loop. Zero means no bound
	// beyond MaxAttempts and ctx.
	MaxElapsedTime time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or
// ctx is cancelled. The last error is returned. Wrap an error with
// Permanent to stop retrying immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)
	return backoff.Retry(fn, policy)
}

// RetryWithResult is Retry for calls that produce a value.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func() (R, error)) (R, error) {
	var result R
	err := Retry(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

// Permanent marks err as non-retryable; Retry returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
