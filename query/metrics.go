package query

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querystate/metric"
)

// cacheMetrics holds Prometheus metrics for query cache operations. A nil
// *cacheMetrics records nothing.
type cacheMetrics struct {
	entries       prometheus.Gauge
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	retries       prometheus.Counter
	cancellations prometheus.Counter
	evictions     prometheus.Counter
}

// newCacheMetrics creates and registers query cache metrics with the provided registry.
func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Current number of queries in the cache",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "fetches_total",
			ConstLabels: labels,
			Help:        "Total number of settled fetches by result",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "fetch_duration_seconds",
			ConstLabels: labels,
			Help:        "Time from fetch start to settlement, including retries",
			Buckets:     prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "retries_total",
			ConstLabels: labels,
			Help:        "Total number of failed attempts that were retried",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "cancellations_total",
			ConstLabels: labels,
			Help:        "Total number of cancelled fetches",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "query",
			Name:        "gc_evictions_total",
			ConstLabels: labels,
			Help:        "Total number of queries removed by garbage collection",
		}),
	}

	if err := registry.RegisterGauge(prefix, "query_entries", m.entries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "query_fetches", m.fetches); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(prefix, "query_fetch_duration", m.fetchDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "query_retries", m.retries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "query_cancellations", m.cancellations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "query_gc_evictions", m.evictions); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) recordFetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *cacheMetrics) recordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *cacheMetrics) recordCancel() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *cacheMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *cacheMetrics) setEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// Stats counts cache operations. Counters are always collected.
type Stats struct {
	builds    atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	removals  atomic.Int64
	evictions atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Builds    int64
	Hits      int64
	Misses    int64
	Removals  int64
	Evictions int64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Builds:    s.builds.Load(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Removals:  s.removals.Load(),
		Evictions: s.evictions.Load(),
	}
}

// HitRatio returns hits / (hits + misses), or 0 without lookups.
func (s StatsSnapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
