package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by querystate.
const Namespace = "querystate"

// Metrics contains the client-level metrics shared by all caches
type Metrics struct {
	ClientsMounted    prometheus.Gauge
	Online            prometheus.Gauge
	Focused           prometheus.Gauge
	SignalTransitions *prometheus.CounterVec
	Hydrations        *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ClientsMounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "client",
			Name:      "mounted",
			Help:      "Number of mounted clients listening to focus and online signals",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "signal",
			Name:      "online",
			Help:      "Connectivity as seen by the online manager (0=offline, 1=online)",
		}),
		Focused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "signal",
			Name:      "focused",
			Help:      "Application focus as seen by the focus manager (0=unfocused, 1=focused)",
		}),
		SignalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "signal",
				Name:      "transitions_total",
				Help:      "Focus and online transitions",
			},
			[]string{"signal", "state"},
		),
		Hydrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "hydration",
				Name:      "records_total",
				Help:      "Records dehydrated and hydrated",
			},
			[]string{"direction", "kind"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ClientsMounted,
		m.Online,
		m.Focused,
		m.SignalTransitions,
		m.Hydrations,
	}
}

// RecordSignal records a focus or online transition.
func (m *Metrics) RecordSignal(signal string, state bool) {
	if m == nil {
		return
	}
	value, label := 0.0, "false"
	if state {
		value, label = 1.0, "true"
	}
	switch signal {
	case "online":
		m.Online.Set(value)
	case "focus":
		m.Focused.Set(value)
	}
	m.SignalTransitions.WithLabelValues(signal, label).Inc()
}

// RecordHydration counts dehydrated or hydrated records.
func (m *Metrics) RecordHydration(direction, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Hydrations.WithLabelValues(direction, kind).Add(float64(n))
}
