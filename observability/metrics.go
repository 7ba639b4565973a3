package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HookMetrics aggregates the counters and histograms describing the oracle and
// lifecycle pipeline.
type HookMetrics struct {
	feedFetches   *prometheus.CounterVec
	feedErrors    *prometheus.CounterVec
	feedLatency   *prometheus.HistogramVec
	aggregations  *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	violations    *prometheus.CounterVec
	snapshotDelay prometheus.Histogram
}

var (
	hookMetricsOnce sync.Once
	hookRegistry    *HookMetrics
)

// Metrics returns the lazily-initialised pipeline metrics registry.
func Metrics() *HookMetrics {
	hookMetricsOnce.Do(func() {
		hookRegistry = &HookMetrics{
			feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "oracle",
				Name:      "feed_fetches_total",
				Help:      "Feed fetch attempts segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "oracle",
				Name:      "feed_errors_total",
				Help:      "Feed failures segmented by source and error class.",
			}, []string{"source", "class"}),
			feedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "pricehook",
				Subsystem: "oracle",
				Name:      "feed_fetch_duration_seconds",
				Help:      "Latency distribution for upstream feed fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "oracle",
				Name:      "aggregations_total",
				Help:      "Aggregation cycles segmented by symbol and outcome.",
			}, []string{"symbol", "outcome"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "hook",
				Name:      "decisions_total",
				Help:      "Adjustment decisions segmented by reason and disposition.",
			}, []string{"reason", "disposition"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "hook",
				Name:      "fallbacks_total",
				Help:      "Aggregation failures handled during BeforeAction, by resolution.",
			}, []string{"resolution"}),
			violations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pricehook",
				Subsystem: "hook",
				Name:      "lifecycle_violations_total",
				Help:      "Lifecycle invariant violations segmented by kind.",
			}, []string{"kind"}),
			snapshotDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pricehook",
				Subsystem: "oracle",
				Name:      "snapshot_age_seconds",
				Help:      "Age of aggregated snapshots at the time they were trusted.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			}),
		}
		prometheus.MustRegister(
			hookRegistry.feedFetches,
			hookRegistry.feedErrors,
			hookRegistry.feedLatency,
			hookRegistry.aggregations,
			hookRegistry.decisions,
			hookRegistry.fallbacks,
			hookRegistry.violations,
			hookRegistry.snapshotDelay,
		)
	})
	return hookRegistry
}

// ObserveFetch records a feed fetch attempt and its latency.
func (m *HookMetrics) ObserveFetch(source string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.feedFetches.WithLabelValues(source, outcome).Inc()
	m.feedLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// ObserveFeedError records a classified feed failure.
func (m *HookMetrics) ObserveFeedError(source, class string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(source, class).Inc()
}

// ObserveAggregation records the outcome of one aggregation cycle.
func (m *HookMetrics) ObserveAggregation(symbol, outcome string, age time.Duration) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(symbol, outcome).Inc()
	if outcome == "ok" {
		m.snapshotDelay.Observe(age.Seconds())
	}
}

// ObserveDecision implements the hook metrics sink.
func (m *HookMetrics) ObserveDecision(reason string, rejected bool) {
	if m == nil {
		return
	}
	disposition := "allow"
	if rejected {
		disposition = "reject"
	}
	m.decisions.WithLabelValues(reason, disposition).Inc()
}

// ObserveFallback implements the hook metrics sink.
func (m *HookMetrics) ObserveFallback(resolution string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(resolution).Inc()
}

// ObserveViolation implements the hook metrics sink.
func (m *HookMetrics) ObserveViolation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}
