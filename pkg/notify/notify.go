// Package notify batches listener notifications.
//
// State changes happen under entry locks; listeners must run outside them. Callers
// schedule callbacks inside Batch and the Manager flushes the queue once the outermost
// batch completes. At most one goroutine flushes at a time and callbacks run in the
// order they were scheduled, so every listener observes transitions in order. A
// callback that schedules more work appends to the queue being flushed.
package notify

import (
	"sync"
)

// Func runs a single callback. The default invokes it directly.
type Func func(callback func())

// BatchFunc runs a flushed group of callbacks. Rendering layers plug their own
// batching in here.
type BatchFunc func(flush func())

// Manager queues callbacks and flushes them after the outermost batch.
type Manager struct {
	mu           sync.Mutex
	queue        []func()
	transactions int
	flushing     bool
	notifyFn     Func
	batchFn      BatchFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifyFunc sets the function used to invoke each callback.
func WithNotifyFunc(fn Func) Option {
	return func(m *Manager) {
		if fn != nil {
			m.notifyFn = fn
		}
	}
}

// WithBatchNotifyFunc sets the function wrapping each flush.
func WithBatchNotifyFunc(fn BatchFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.batchFn = fn
		}
	}
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		notifyFn: func(cb func()) { cb() },
		batchFn:  func(flush func()) { flush() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Batch runs fn and flushes callbacks scheduled during it once the outermost batch
// returns. Batches may nest and may run on several goroutines at once.
func (m *Manager) Batch(fn func()) {
	m.mu.Lock()
	m.transactions++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.transactions--
		m.mu.Unlock()
		m.flush()
	}()

	fn()
}

// Schedule queues cb. Outside a batch it is flushed immediately.
func (m *Manager) Schedule(cb func()) {
	m.mu.Lock()
	m.queue = append(m.queue, cb)
	m.mu.Unlock()
	m.flush()
}

// BatchCalls wraps fn so that every call runs inside a batch.
func (m *Manager) BatchCalls(fn func()) func() {
	return func() {
		m.Batch(fn)
	}
}

// SetNotifyFunc replaces the callback invoker.
func (m *Manager) SetNotifyFunc(fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.notifyFn = fn
	}
}

// SetBatchNotifyFunc replaces the flush wrapper.
func (m *Manager) SetBatchNotifyFunc(fn BatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.batchFn = fn
	}
}

// Pending returns the number of queued callbacks.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) flush() {
	m.mu.Lock()
	if m.transactions > 0 || m.flushing || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	notifyFn := m.notifyFn
	batchFn := m.batchFn
	m.mu.Unlock()

	for {
		m.mu.Lock()
		queue := m.queue
		m.queue = nil
		if len(queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		batchFn(func() {
			for _, cb := range queue {
				notifyFn(cb)
			}
		})
	}
}
