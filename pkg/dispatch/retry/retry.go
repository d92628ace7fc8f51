package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int `json:"maxAttempts" yaml:"max_attempts"`

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration `json:"initialBackoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration `json:"maxBackoff" yaml:"max_backoff"`

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64 `json:"backoffFactor" yaml:"backoff_factor"`

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64 `json:"jitter" yaml:"jitter"`

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool `json:"-" yaml:"-"`
}

// DefaultPolicy is the standard retry configuration.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = Policy{
	MaxAttempts: 1,
}

// Result contains the result of a retried call.
type Result[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed. It is the last error
	// returned by the function, unwrapped.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent, backoff included.
	Duration time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. fn receives the 1-based attempt number.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	start := time.Now()
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	isRetryable := p.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	var (
		value   T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return Result[T]{Err: lastErr, Attempts: attempt - 1, Duration: time.Since(start)}
		}

		value, lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return Result[T]{Value: value, Attempts: attempt, Duration: time.Since(start)}
		}
		if !isRetryable(lastErr) || attempt == attempts {
			return Result[T]{Value: value, Err: lastErr, Attempts: attempt, Duration: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return Result[T]{Value: value, Err: lastErr, Attempts: attempt, Duration: time.Since(start)}
		case <-time.After(calculateBackoff(backoff, p.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return Result[T]{Value: value, Err: lastErr, Attempts: attempts, Duration: time.Since(start)}
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// Calculate jitter: base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
