package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig configures retry behavior for external requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration with exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (c *RetryConfig) delay(attempt int) time.Duration {
	if attempt <= 0 || c.InitialDelay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// retryable reports whether err should trigger another attempt.
// Context errors and permanent errors never do.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

// permanentError marks a failure that another attempt cannot fix,
// such as an unparsable response.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryResult contains the result of a retry operation.
type RetryResult struct {
	Attempts int
	Errors   []error
	Success  bool
}

// Err returns a combined error with all attempt errors, or nil on success.
func (r *RetryResult) Err() error {
	if r.Success || len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%d attempts failed: %w", r.Attempts, errors.Join(r.Errors...))
}

// Retry executes fn until it succeeds, fails permanently or runs out of attempts.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	result := &RetryResult{}
	var zero T
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		value, err := fn(ctx)
		if err == nil {
			result.Success = true
			return value, result
		}
		result.Errors = append(result.Errors, err)

		if attempt == attempts || !retryable(err) {
			break
		}

		delay := config.delay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			return zero, result
		case <-time.After(delay):
		}
	}
	return zero, result
}

// RetryEachURL runs fn with retries for every URL in order and returns every
// successful value. Failed URLs are reported in the joined error.
func RetryEachURL[T any](ctx context.Context, config *RetryConfig, urls []string, fn func(ctx context.Context, url string) (T, error)) ([]T, error) {
	var values []T
	var errs []error
	for _, u := range urls {
		value, res := Retry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, u)
		})
		if res.Success {
			values = append(values, value)
			continue
		}
		errs = append(errs, &FetchError{URL: u, Attempts: res.Attempts, Err: res.Err()})
		if ctx.Err() != nil {
			break
		}
	}
	return values, errors.Join(errs...)
}
