package worker

import "time"

// Metrics receives worker events
type Metrics interface {
	CallHandled(method string, success bool, duration time.Duration)
	ProgressSent(method string)
	ProgressDropped(method string)
}

// NoOpMetrics discards all events
type NoOpMetrics struct{}

func (NoOpMetrics) CallHandled(string, bool, time.Duration) {}
func (NoOpMetrics) ProgressSent(string)                     {}
func (NoOpMetrics) ProgressDropped(string)                  {}
