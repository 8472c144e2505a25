package retry

import (
	"context"
	"sync"
)

// PromiseStatus is the settlement state of a Promise.
type PromiseStatus int

const (
	// PromisePending means the promise has not settled yet.
	PromisePending PromiseStatus = iota
	// PromiseFulfilled means the promise resolved with a value.
	PromiseFulfilled
	// PromiseRejected means the promise rejected with an error.
	PromiseRejected
)

// String returns the string representation of PromiseStatus
func (s PromiseStatus) String() string {
	switch s {
	case PromisePending:
		return "pending"
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Promise is a value that settles exactly once. Any number of goroutines may wait on it.
type Promise[T any] struct {
	done   chan struct{}
	mu     sync.Mutex
	status PromiseStatus
	value  T
	err    error
}

// NewPromise creates a pending promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with v. It reports false if the promise was already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(PromiseFulfilled, v, nil)
}

// Reject settles the promise with err. It reports false if the promise was already settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(PromiseRejected, zero, err)
}

// Settle resolves or rejects depending on err.
func (p *Promise[T]) Settle(v T, err error) bool {
	if err != nil {
		return p.Reject(err)
	}
	return p.Resolve(v)
}

func (p *Promise[T]) settle(status PromiseStatus, v T, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PromisePending {
		return false
	}
	p.status = status
	p.value = v
	p.err = err
	close(p.done)
	return true
}

// Done returns a channel closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Status returns the current settlement state.
func (p *Promise[T]) Status() PromiseStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsSettled reports whether the promise resolved or rejected.
func (p *Promise[T]) IsSettled() bool {
	return p.Status() != PromisePending
}

// Result returns the settled value and error. Before settlement it returns zero values.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Wait blocks until the promise settles or ctx is done. Abandoning a wait has no
// effect on the underlying work.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
