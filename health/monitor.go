package health

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360/querystate/errors"
)

// Monitor tracks the health of named components and logs state transitions.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	logger   *slog.Logger
}

// NewMonitor creates a monitor. A nil logger uses slog.Default().
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		statuses: make(map[string]Status),
		logger:   logger.With("component", "health"),
	}
}

// Update records status for name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	prev, existed := m.statuses[name]
	m.statuses[name] = status
	m.mu.Unlock()

	if existed && prev.Status == status.Status {
		return
	}
	switch status.Status {
	case StateHealthy:
		if existed {
			m.logger.Info("Component recovered", "name", name)
		}
	default:
		m.logger.Warn("Component health changed", "name", name, "status", status.Status, "message", status.Message)
	}
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded is a convenience method to update a component as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth returns the system status with every component as sub-status.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subStatuses := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subStatuses)
}

// Check returns an error naming the unhealthy components, or nil. Degraded
// components do not fail the check.
func (m *Monitor) Check(systemName string) error {
	status := m.AggregateHealth(systemName)
	if !status.IsUnhealthy() {
		return nil
	}
	var failing []string
	for _, sub := range status.SubStatuses {
		if sub.IsUnhealthy() {
			failing = append(failing, fmt.Sprintf("%s: %s", sub.Component, sub.Message))
		}
	}
	return fmt.Errorf("%w: %s", errors.ErrServiceUnavailable, strings.Join(failing, "; "))
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
