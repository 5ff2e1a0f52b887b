// Package reliability holds the failure-handling policies used by the
// RabbitMQ transport.
//
//   - Backoff policies (exponential, fixed) drive dialing and reconnects.
//   - CircuitBreaker fails publishes fast while the broker is unreachable.
//
// Example:
//
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2, -1)
//	err := Retry(ctx, policy, "dial", func() error {
//	    return dial()
//	})
package reliability
