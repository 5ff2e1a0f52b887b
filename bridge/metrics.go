package bridge

import "time"

// Outcome classifies how a call ended
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Metrics receives bridge events
type Metrics interface {
	CallIssued(method string)
	CallCompleted(method string, outcome Outcome, duration time.Duration)
	ProgressDelivered(method string)
	MessageDiscarded()
	PendingCalls(n int)
}

// NoOpMetrics discards all events
type NoOpMetrics struct{}

func (NoOpMetrics) CallIssued(string)                            {}
func (NoOpMetrics) CallCompleted(string, Outcome, time.Duration) {}
func (NoOpMetrics) ProgressDelivered(string)                     {}
func (NoOpMetrics) MessageDiscarded()                            {}
func (NoOpMetrics) PendingCalls(int)                             {}
