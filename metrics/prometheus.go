// Package metrics exports bridge and worker events to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/glimte/ingestbridge/bridge"
	"github.com/glimte/ingestbridge/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "ingestbridge"

var (
	_ bridge.Metrics = (*Collector)(nil)
	_ worker.Metrics = (*Collector)(nil)
)

// Collector records bridge and worker events as Prometheus metrics
type Collector struct {
	callsIssued     *prometheus.CounterVec
	callsCompleted  *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	progress        *prometheus.CounterVec
	discarded       prometheus.Counter
	pending         prometheus.Gauge
	callsHandled    *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	progressSent    *prometheus.CounterVec
	progressDropped *prometheus.CounterVec
}

// Option configures the collector
type Option func(*options)

type options struct {
	namespace string
	buckets   []float64
}

// WithNamespace overrides the metric namespace
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithBuckets sets the latency histogram buckets, in seconds
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	o := &options{
		namespace: DefaultNamespace,
		buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{
		callsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "calls_issued_total",
			Help:      "Calls issued by the controller.",
		}, []string{"method"}),
		callsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "calls_completed_total",
			Help:      "Calls settled by the controller, by outcome.",
		}, []string{"method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Time from issuing a call to its terminal message.",
			Buckets:   o.buckets,
		}, []string{"method"}),
		progress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "progress_delivered_total",
			Help:      "Progress notifications delivered to callers.",
		}, []string{"method"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "messages_discarded_total",
			Help:      "Inbound messages with no matching pending call.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "bridge",
			Name:      "pending_calls",
			Help:      "Calls awaiting a terminal message.",
		}),
		callsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "worker",
			Name:      "calls_handled_total",
			Help:      "Method calls served by the worker, by status.",
		}, []string{"method", "status"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: "worker",
			Name:      "handle_duration_seconds",
			Help:      "Time spent in method handlers.",
			Buckets:   o.buckets,
		}, []string{"method"}),
		progressSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "worker",
			Name:      "progress_sent_total",
			Help:      "Progress notifications sent by the worker.",
		}, []string{"method"}),
		progressDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "worker",
			Name:      "progress_dropped_total",
			Help:      "Progress notifications dropped by the rate limit.",
		}, []string{"method"}),
	}

	for _, collector := range []prometheus.Collector{
		c.callsIssued, c.callsCompleted, c.callDuration, c.progress, c.discarded, c.pending,
		c.callsHandled, c.handleDuration, c.progressSent, c.progressDropped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

// CallIssued implements bridge.Metrics
func (c *Collector) CallIssued(method string) {
	c.callsIssued.WithLabelValues(method).Inc()
}

// CallCompleted implements bridge.Metrics
func (c *Collector) CallCompleted(method string, outcome bridge.Outcome, duration time.Duration) {
	c.callsCompleted.WithLabelValues(method, string(outcome)).Inc()
	c.callDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ProgressDelivered implements bridge.Metrics
func (c *Collector) ProgressDelivered(method string) {
	c.progress.WithLabelValues(method).Inc()
}

// MessageDiscarded implements bridge.Metrics
func (c *Collector) MessageDiscarded() {
	c.discarded.Inc()
}

// PendingCalls implements bridge.Metrics
func (c *Collector) PendingCalls(n int) {
	c.pending.Set(float64(n))
}

// CallHandled implements worker.Metrics
func (c *Collector) CallHandled(method string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	c.callsHandled.WithLabelValues(method, status).Inc()
	c.handleDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ProgressSent implements worker.Metrics
func (c *Collector) ProgressSent(method string) {
	c.progressSent.WithLabelValues(method).Inc()
}

// ProgressDropped implements worker.Metrics
func (c *Collector) ProgressDropped(method string) {
	c.progressDropped.WithLabelValues(method).Inc()
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
