package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	settled  prometheus.Counter
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// Escrow returns the lazily-initialised metrics registry used to record escrow
// operation activity.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ops",
				Name:      "requests_total",
				Help:      "Total escrow operations segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ops",
				Name:      "failures_total",
				Help:      "Failed escrow operations segmented by method and error kind.",
			}, []string{"method", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "ops",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for escrow operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			settled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ops",
				Name:      "settlements_total",
				Help:      "Count of escrows that reached the terminal claimed state.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.requests,
			escrowRegistry.failures,
			escrowRegistry.latency,
			escrowRegistry.settled,
		)
	})
	return escrowRegistry
}

// RecordRequest increments the operation counter for the supplied method.
func (m *escrowMetrics) RecordRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

// RecordFailure increments the failure counter segmented by error kind.
func (m *escrowMetrics) RecordFailure(method, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(method), normalizeLabel(kind)).Inc()
}

// ObserveLatency records the handler duration for the supplied method.
func (m *escrowMetrics) ObserveLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(normalizeLabel(method)).Observe(d.Seconds())
}

// RecordSettlement counts an escrow reaching its terminal state.
func (m *escrowMetrics) RecordSettlement() {
	if m == nil {
		return
	}
	m.settled.Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(strings.ToLower(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
