package mutation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querystate/metric"
)

// cacheMetrics holds Prometheus metrics for mutation cache operations. A nil
// *cacheMetrics records nothing.
type cacheMetrics struct {
	entries    prometheus.Gauge
	paused     prometheus.Gauge
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "mutation",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Current number of mutations in the cache",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "mutation",
			Name:        "paused",
			ConstLabels: labels,
			Help:        "Current number of paused mutations",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "mutation",
			Name:        "executions_total",
			ConstLabels: labels,
			Help:        "Total number of settled mutations by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "mutation",
			Name:        "execution_duration_seconds",
			ConstLabels: labels,
			Help:        "Time from submission to settlement, including pauses and retries",
			Buckets:     prometheus.DefBuckets,
		}),
	}

	if err := registry.RegisterGauge(prefix, "mutation_entries", m.entries); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "mutation_paused", m.paused); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "mutation_executions", m.executions); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(prefix, "mutation_execution_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordExecution(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *cacheMetrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

func (m *cacheMetrics) trackPaused(before, after bool) {
	if m == nil || before == after {
		return
	}
	if after {
		m.paused.Inc()
	} else {
		m.paused.Dec()
	}
}
