// Package metrics exposes Prometheus collectors for the inbox runtime:
// dispatch outcomes, retry/dead-letter counts, lease durations, and
// queue depth, scraped by external monitoring stacks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for one process's inboxes.
// All inboxes in the process share a single Metrics instance and are
// distinguished by the "inbox" label.
type Metrics struct {
	registry *prometheus.Registry

	dispatched   *prometheus.CounterVec
	retried      *prometheus.CounterVec
	dedupHits    *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	dispatchDuration *prometheus.HistogramVec
	leaseDuration    *prometheus.HistogramVec

	queueDepth     *prometheus.GaugeVec
	breakerOpen    *prometheus.GaugeVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// New creates a Metrics instance registered under namespace (e.g. "inbox").
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatched_total", Help: "Handler dispatches by outcome.",
		}, []string{"inbox", "outcome"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retried_total", Help: "Envelopes rescheduled for retry.",
		}, []string{"inbox"}),
		dedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_hits_total", Help: "Enqueue calls short-circuited by dedup.",
		}, []string{"inbox"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_lettered_total", Help: "Envelopes moved to the dead-letter store.",
		}, []string{"inbox"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_duration_ms", Help: "Handler dispatch latency in milliseconds.", Buckets: defaultBuckets,
		}, []string{"inbox"}),
		leaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lease_hold_ms", Help: "Time an envelope stayed leased before ack/nack, in milliseconds.", Buckets: defaultBuckets,
		}, []string{"inbox"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Visible (leasable) envelopes observed on the last poll.",
		}, []string{"inbox"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_breaker_open", Help: "1 when the storage circuit breaker for this inbox is open.",
		}, []string{"inbox"}),
	}

	registry.MustRegister(m.dispatched, m.retried, m.dedupHits, m.deadLettered,
		m.dispatchDuration, m.leaseDuration, m.queueDepth, m.breakerOpen)
	return m
}

// Handler returns the HTTP handler that serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDispatch(inbox, outcome string, d time.Duration) {
	m.dispatched.WithLabelValues(inbox, outcome).Inc()
	m.dispatchDuration.WithLabelValues(inbox).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) RecordRetry(inbox string)       { m.retried.WithLabelValues(inbox).Inc() }
func (m *Metrics) RecordDedupHit(inbox string)    { m.dedupHits.WithLabelValues(inbox).Inc() }
func (m *Metrics) RecordDeadLetter(inbox string)  { m.deadLettered.WithLabelValues(inbox).Inc() }

func (m *Metrics) RecordLeaseHold(inbox string, d time.Duration) {
	m.leaseDuration.WithLabelValues(inbox).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetQueueDepth(inbox string, depth int) {
	m.queueDepth.WithLabelValues(inbox).Set(float64(depth))
}

func (m *Metrics) SetBreakerOpen(inbox string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerOpen.WithLabelValues(inbox).Set(v)
}

// Noop returns a Metrics whose collectors are registered but never
// scraped by anything meaningful; useful for tests and for callers who
// do not want to wire up a /metrics endpoint.
func Noop() *Metrics { return New("inbox_noop") }
