package natsclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querystate/metric"
)

const metricsPrefix = "natsclient"

// clientMetrics holds Prometheus metrics for requests made through the client.
// A nil *clientMetrics records nothing.
type clientMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	connected prometheus.Gauge
}

func newClientMetrics(registry *metric.MetricsRegistry) (*clientMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"component": metricsPrefix}

	m := &clientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "nats",
			Name:        "requests_total",
			Help:        "NATS requests by subject and result",
			ConstLabels: labels,
		}, []string{"subject", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "nats",
			Name:        "request_duration_seconds",
			Help:        "NATS request round-trip time",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"subject"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "nats",
			Name:        "connected",
			Help:        "Whether the NATS connection is up (1) or not (0)",
			ConstLabels: labels,
		}),
	}

	if err := registry.RegisterCounterVec(metricsPrefix, "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(metricsPrefix, "request_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(metricsPrefix, "connected", m.connected); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) recordRequest(subject string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.requests.WithLabelValues(subject, result).Inc()
	m.duration.WithLabelValues(subject).Observe(elapsed.Seconds())
}

func (m *clientMetrics) setStatus(status ConnectionStatus) {
	if m == nil {
		return
	}
	if status == StatusConnected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
