package resilience

import (
	"context"
	"time"
)

// Retry default tuning.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 1 * time.Second
)

// Retry is a bounded exponential-backoff policy. The zero value is usable and
// applies the package defaults; with a nil Retryable every error is retried.
type Retry struct {
	// MaxAttempts is the total number of tries including the first one.
	MaxAttempts int

	// InitialBackoff is the sleep before the second attempt; each further
	// attempt doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Retryable decides whether an error is worth another attempt. Errors it
	// rejects are returned to the caller immediately.
	Retryable func(error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is done. The last error seen is returned.
func (r Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	backoff := r.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}
	maxBackoff := r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
	}
	return err
}
