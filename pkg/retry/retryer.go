package retry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Options configures a Retryer.
type Options[T any] struct {
	// Fn performs one attempt. The context is cancelled when the Retryer is cancelled.
	Fn func(ctx context.Context) (T, error)
	// Context is the parent of the attempt context. Defaults to context.Background().
	Context context.Context

	Retry       Policy    // nil never retries
	RetryDelay  DelayFunc // nil uses DefaultDelay
	NetworkMode NetworkMode

	Online OnlineChecker
	Focus  FocusChecker
	// CanRun gates starting and continuing, e.g. a mutation waiting for its scope.
	CanRun func() bool

	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()
}

// Retryer runs a work function with retries, abortable backoff and connectivity
// pausing. It settles its Promise exactly once; results arriving after cancellation
// are discarded.
type Retryer[T any] struct {
	opts    Options[T]
	promise *Promise[T]
	ctx     context.Context
	abort   context.CancelFunc

	mu             sync.Mutex
	started        bool
	failureCount   int
	retryCancelled bool
	resume         chan struct{}
}

// New creates a Retryer. Call Start to begin the first attempt.
func New[T any](opts Options[T]) *Retryer[T] {
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	if opts.Retry == nil {
		opts.Retry = Never()
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = DefaultDelay
	}
	if opts.NetworkMode == "" {
		opts.NetworkMode = NetworkModeOnline
	}
	ctx, cancel := context.WithCancel(parent)
	return &Retryer[T]{
		opts:    opts,
		promise: NewPromise[T](),
		ctx:     ctx,
		abort:   cancel,
	}
}

// Promise returns the settle-once result of the retryer.
func (r *Retryer[T]) Promise() *Promise[T] {
	return r.promise
}

// Status returns the promise status.
func (r *Retryer[T]) Status() PromiseStatus {
	return r.promise.Status()
}

// FailureCount returns the number of failed attempts so far.
func (r *Retryer[T]) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

// Start launches the attempt loop on its own goroutine. Calling Start twice is a no-op.
func (r *Retryer[T]) Start() *Promise[T] {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return r.promise
	}
	r.started = true
	r.mu.Unlock()

	go r.loop()
	return r.promise
}

// CanStart reports whether the first attempt may run immediately.
func (r *Retryer[T]) CanStart() bool {
	return CanFetch(r.opts.NetworkMode, r.opts.Online) && r.canRun()
}

// Cancel rejects the promise with a CancelledError and aborts the attempt context.
// It has no effect once the promise settled.
func (r *Retryer[T]) Cancel(opts CancelOptions) {
	if r.promise.Reject(&CancelledError{Revert: opts.Revert, Silent: opts.Silent}) {
		r.abort()
	}
}

// CancelRetry stops further retries; the current attempt still completes.
func (r *Retryer[T]) CancelRetry() {
	r.mu.Lock()
	r.retryCancelled = true
	r.mu.Unlock()
}

// ContinueRetry re-enables retries after CancelRetry.
func (r *Retryer[T]) ContinueRetry() {
	r.mu.Lock()
	r.retryCancelled = false
	r.mu.Unlock()
}

// IsPaused reports whether the loop is waiting for connectivity, focus or CanRun.
func (r *Retryer[T]) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resume != nil
}

// Continue wakes a paused loop if the conditions to continue hold.
func (r *Retryer[T]) Continue() *Promise[T] {
	r.mu.Lock()
	ch := r.resume
	r.mu.Unlock()
	if ch != nil && r.canContinue() {
		r.release(ch)
	}
	return r.promise
}

func (r *Retryer[T]) canRun() bool {
	return r.opts.CanRun == nil || r.opts.CanRun()
}

func (r *Retryer[T]) canContinue() bool {
	if r.opts.Focus != nil && !r.opts.Focus.IsFocused() {
		return false
	}
	if r.opts.NetworkMode != NetworkModeAlways && r.opts.Online != nil && !r.opts.Online.IsOnline() {
		return false
	}
	return r.canRun()
}

func (r *Retryer[T]) release(ch chan struct{}) {
	r.mu.Lock()
	if r.resume == ch {
		close(ch)
		r.resume = nil
	}
	r.mu.Unlock()
}

// pause blocks until Continue releases the loop or the promise settles. It reports
// whether the loop should keep going.
func (r *Retryer[T]) pause() bool {
	ch := make(chan struct{})
	r.mu.Lock()
	if r.promise.IsSettled() {
		r.mu.Unlock()
		return false
	}
	r.resume = ch
	r.mu.Unlock()

	if r.opts.OnPause != nil {
		r.opts.OnPause()
	}
	// A Continue issued between the caller's check and the channel install would be lost.
	if r.canContinue() {
		r.release(ch)
	}

	select {
	case <-ch:
	case <-r.promise.Done():
	}

	r.mu.Lock()
	if r.resume == ch {
		r.resume = nil
	}
	r.mu.Unlock()

	if r.promise.IsSettled() {
		return false
	}
	if r.opts.OnContinue != nil {
		r.opts.OnContinue()
	}
	return true
}

func (r *Retryer[T]) sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.promise.IsSettled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !r.promise.IsSettled()
	case <-r.promise.Done():
		return false
	}
}

func (r *Retryer[T]) attempt() (value T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("retry: work function panicked: %v", p)
		}
	}()
	return r.opts.Fn(r.ctx)
}

func (r *Retryer[T]) loop() {
	defer r.abort()

	if !r.CanStart() && !r.pause() {
		return
	}

	for {
		if r.promise.IsSettled() {
			return
		}

		value, err := r.attempt()
		if r.promise.IsSettled() {
			return
		}
		if err == nil {
			r.promise.Resolve(value)
			return
		}

		r.mu.Lock()
		failureCount := r.failureCount
		cancelled := r.retryCancelled
		r.mu.Unlock()

		if cancelled || IsNonRetryable(err) || !r.opts.Retry(failureCount, err) {
			r.promise.Reject(err)
			return
		}

		delay := r.opts.RetryDelay(failureCount, err)

		r.mu.Lock()
		r.failureCount++
		failureCount = r.failureCount
		r.mu.Unlock()

		if r.opts.OnFail != nil {
			r.opts.OnFail(failureCount, err)
		}

		if !r.sleep(delay) {
			return
		}
		if !r.canContinue() && !r.pause() {
			return
		}

		r.mu.Lock()
		cancelled = r.retryCancelled
		r.mu.Unlock()
		if cancelled {
			r.promise.Reject(err)
			return
		}
	}
}
