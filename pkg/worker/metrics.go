package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querystate/metric"
)

// poolMetrics are the Prometheus metrics of one pool. A nil *poolMetrics records nothing.
type poolMetrics struct {
	queueDepth prometheus.Gauge
	items      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Current worker pool queue depth",
			ConstLabels: labels,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "items_total",
			Help:        "Work items by outcome (submitted, processed, failed, dropped)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	service := "worker_" + name
	if err := registry.RegisterGauge(service, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "items_total", m.items); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(service, "processing_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) outcome(name string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(name).Inc()
}

func (m *poolMetrics) depth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *poolMetrics) observe(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.duration.WithLabelValues(status).Observe(d.Seconds())
}
