package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff decides whether and when to retry a failed attempt
type Backoff interface {
	// ShouldRetry reports whether attempt (zero based) may be retried and
	// how long to wait first
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the retry limit, or a negative value for no limit
	MaxRetries() int
	// NextDelay returns the wait before the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay after every failed attempt
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter.
// maxRetries below zero retries forever.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements Backoff
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts >= 0 && attempt >= e.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements Backoff
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same time before every retry
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements Backoff
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements Backoff
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry calls fn until it succeeds, the policy gives up or ctx ends. When
// the policy gives up the last error is returned inside a RetryError.
func Retry(ctx context.Context, policy Backoff, op string, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
