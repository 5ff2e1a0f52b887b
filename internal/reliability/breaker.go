package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency for a cool-down
// period. After the timeout a limited number of trial calls decide
// whether to close again.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	onStateChange    func(from, to State)
	now              func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time
}

// BreakerOption configures the circuit breaker
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets the half-open successes that close the circuit
func WithSuccessThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests caps concurrent trial calls while half-open
func WithHalfOpenRequests(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = n
	}
}

// WithName names the breaker in errors
func WithName(name string) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange registers a callback run on every transition. It runs
// with the breaker unlocked, on the calling goroutine.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. Context errors from fn do
// not count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears the counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		next := cb.lastFailure.Add(cb.timeout)
		if cb.now().Before(next) {
			err := cb.openError(next)
			cb.mu.Unlock()
			return err
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inFlight = 1
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			err := cb.openError(cb.now().Add(cb.timeout))
			cb.mu.Unlock()
			return err
		}
		cb.inFlight++
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		switch {
		case cb.state == StateHalfOpen:
			cb.state = StateOpen
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			cb.state = StateOpen
		}
	} else {
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.failures = 0
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) openError(next time.Time) error {
	return &CircuitBreakerError{
		Name:      cb.name,
		State:     cb.state,
		Failures:  cb.failures,
		NextRetry: next,
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
