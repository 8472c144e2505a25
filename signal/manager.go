package signal

import (
	"log/slog"
	"sync"

	"github.com/c360/querystate/metric"
)

// Listener receives the new signal value.
type Listener func(value bool)

// EventSource installs platform event handling. It receives a setter to report the
// current value and returns a cleanup function that removes the handlers.
type EventSource func(set func(bool)) (cleanup func())

// Option configures a FocusManager or OnlineManager.
type Option func(*manager)

// WithLogger sets the logger used for transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventSource sets the platform event source installed on first subscription.
func WithEventSource(src EventSource) Option {
	return func(m *manager) {
		m.source = src
	}
}

// WithMetrics records transitions in the core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *manager) {
		if registry != nil {
			m.metrics = registry.CoreMetrics()
		}
	}
}

type subscription struct {
	id       uint64
	listener Listener
}

// manager holds a boolean signal with lazily installed event handling. The source is
// installed when the first listener subscribes and removed after the last one leaves.
type manager struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu      sync.Mutex
	value   *bool
	source  EventSource
	cleanup func()
	subs    []subscription
	nextID  uint64
}

func newManager(name string, opts []Option) *manager {
	m := &manager{
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", name+"_manager")
	return m
}

// current returns the explicit value, or true when none was reported.
func (m *manager) current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value == nil || *m.value
}

func (m *manager) set(v bool) {
	m.mu.Lock()
	if m.value != nil && *m.value == v {
		m.mu.Unlock()
		return
	}
	m.value = &v
	listeners := m.snapshot()
	m.mu.Unlock()

	m.logger.Debug("Signal changed", "value", v)
	m.metrics.RecordSignal(m.name, v)
	for _, l := range listeners {
		l(v)
	}
}

func (m *manager) reset() {
	m.mu.Lock()
	wasFalse := m.value != nil && !*m.value
	m.value = nil
	listeners := m.snapshot()
	m.mu.Unlock()

	if wasFalse {
		m.metrics.RecordSignal(m.name, true)
		for _, l := range listeners {
			l(true)
		}
	}
}

func (m *manager) snapshot() []Listener {
	out := make([]Listener, len(m.subs))
	for i, s := range m.subs {
		out[i] = s.listener
	}
	return out
}

func (m *manager) subscribe(l Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, listener: l})
	first := len(m.subs) == 1
	src := m.source
	m.mu.Unlock()

	if first && src != nil {
		m.install(src)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *manager) unsubscribe(id uint64) {
	m.mu.Lock()
	for i, s := range m.subs {
		if s.id == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	var cleanup func()
	if len(m.subs) == 0 {
		cleanup = m.cleanup
		m.cleanup = nil
	}
	m.mu.Unlock()

	if cleanup != nil {
		cleanup()
		m.logger.Debug("Event source removed")
	}
}

func (m *manager) install(src EventSource) {
	cleanup := src(m.set)

	m.mu.Lock()
	prev := m.cleanup
	m.cleanup = cleanup
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	m.logger.Debug("Event source installed")
}

func (m *manager) setEventSource(src EventSource) {
	m.mu.Lock()
	m.source = src
	prev := m.cleanup
	m.cleanup = nil
	active := len(m.subs) > 0
	m.mu.Unlock()

	if prev != nil {
		prev()
	}
	if active && src != nil {
		m.install(src)
	}
}

func (m *manager) hasListeners() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs) > 0
}
