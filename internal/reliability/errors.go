package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError reports a call refused by an open breaker
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
	return fmt.Sprintf("circuit breaker %s %s: blocked after %d failures, retry in %v",
		e.Name, e.State, e.Failures, retryIn)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports an operation that failed on every allowed attempt
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts over %v: %v",
		e.Op, e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RetryableError marks whether an error may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports the wrapped decision
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// IsRetryable reports whether err is worth another attempt. Errors are
// retryable unless they say otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
