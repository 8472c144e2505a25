package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/querystate/errors"
)

type toggle struct {
	mu sync.Mutex
	on bool
}

func (t *toggle) set(v bool) {
	t.mu.Lock()
	t.on = v
	t.mu.Unlock()
}

func (t *toggle) IsOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

func (t *toggle) IsFocused() bool { return t.IsOnline() }

func TestDefaultDelay(t *testing.T) {
	assert.Equal(t, time.Second, DefaultDelay(0, nil))
	assert.Equal(t, 2*time.Second, DefaultDelay(1, nil))
	assert.Equal(t, 16*time.Second, DefaultDelay(4, nil))
	assert.Equal(t, 30*time.Second, DefaultDelay(5, nil))
	assert.Equal(t, 30*time.Second, DefaultDelay(60, nil))
}

func TestPolicies(t *testing.T) {
	assert.True(t, Times(3)(2, nil))
	assert.False(t, Times(3)(3, nil))
	assert.True(t, Always()(1000, nil))
	assert.False(t, Never()(0, nil))

	transient := TransientOnly(2)
	assert.True(t, transient(0, errs.ErrConnectionTimeout))
	assert.False(t, transient(0, errs.ErrInvalidData))
	assert.False(t, transient(2, errs.ErrConnectionTimeout))
}

func TestRetryer_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	var failures []int
	var mu sync.Mutex

	r := New(Options[string]{
		Fn: func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", errors.New("boom")
			}
			return "ok", nil
		},
		Retry:      Times(3),
		RetryDelay: ConstantDelay(time.Millisecond),
		OnFail: func(n int, _ error) {
			mu.Lock()
			failures = append(failures, n)
			mu.Unlock()
		},
	})

	v, err := r.Start().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2}, failures)
	assert.Equal(t, PromiseFulfilled, r.Status())
}

func TestRetryer_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	r := New(Options[int]{
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("down")
		},
		Retry:      Times(2),
		RetryDelay: ConstantDelay(time.Millisecond),
	})

	_, err := r.Start().Wait(context.Background())
	assert.EqualError(t, err, "down")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, r.FailureCount())
}

func TestRetryer_CancelDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	r := New(Options[int]{
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("down")
		},
		Retry:      Always(),
		RetryDelay: ConstantDelay(time.Hour),
	})
	p := r.Start()

	require.Eventually(t, func() bool { return r.FailureCount() == 1 }, time.Second, time.Millisecond)
	r.Cancel(CancelOptions{Revert: true})

	_, err := p.Wait(context.Background())
	ce, ok := AsCancelled(err)
	require.True(t, ok)
	assert.True(t, ce.Revert)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_CancelAbortsContextAndDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	r := New(Options[string]{
		Fn: func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "late", nil
		},
	})
	p := r.Start()
	<-started
	r.Cancel(CancelOptions{Silent: true})

	v, err := p.Wait(context.Background())
	assert.Empty(t, v)
	assert.True(t, IsCancelled(err))
}

func TestRetryer_PausesWhileOffline(t *testing.T) {
	online := &toggle{}
	var calls atomic.Int32
	var paused, continued atomic.Bool

	r := New(Options[string]{
		Fn: func(context.Context) (string, error) {
			calls.Add(1)
			return "ok", nil
		},
		Online:     online,
		OnPause:    func() { paused.Store(true) },
		OnContinue: func() { continued.Store(true) },
	})
	assert.False(t, r.CanStart())
	p := r.Start()

	require.Eventually(t, paused.Load, time.Second, time.Millisecond)
	assert.True(t, r.IsPaused())
	assert.Equal(t, int32(0), calls.Load())

	// Continue is ignored while still offline.
	r.Continue()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	online.set(true)
	r.Continue()

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.True(t, continued.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_OfflineFirstRunsFirstAttempt(t *testing.T) {
	online := &toggle{}
	var calls atomic.Int32
	var paused atomic.Bool

	r := New(Options[string]{
		Fn: func(context.Context) (string, error) {
			if calls.Add(1) == 1 {
				return "", errors.New("offline")
			}
			return "ok", nil
		},
		NetworkMode: NetworkModeOfflineFirst,
		Online:      online,
		Retry:       Times(3),
		RetryDelay:  ConstantDelay(time.Millisecond),
		OnPause:     func() { paused.Store(true) },
	})
	assert.True(t, r.CanStart())
	p := r.Start()

	require.Eventually(t, paused.Load, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	online.set(true)
	r.Continue()
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRetryer_CancelWhilePaused(t *testing.T) {
	online := &toggle{}
	r := New(Options[int]{
		Fn:     func(context.Context) (int, error) { return 1, nil },
		Online: online,
	})
	p := r.Start()
	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)

	r.Cancel(CancelOptions{})
	_, err := p.Wait(context.Background())
	assert.True(t, IsCancelled(err))
}

func TestRetryer_CanRunGate(t *testing.T) {
	gate := &toggle{}
	r := New(Options[int]{
		Fn:          func(context.Context) (int, error) { return 7, nil },
		NetworkMode: NetworkModeAlways,
		CanRun:      gate.IsOnline,
	})
	p := r.Start()
	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)

	gate.set(true)
	r.Continue()
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestRetryer_CancelRetry(t *testing.T) {
	var calls atomic.Int32
	r := New(Options[int]{
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("fail")
		},
		Retry:      Always(),
		RetryDelay: ConstantDelay(20 * time.Millisecond),
	})
	p := r.Start()
	require.Eventually(t, func() bool { return r.FailureCount() >= 1 }, time.Second, time.Millisecond)
	r.CancelRetry()

	_, err := p.Wait(context.Background())
	assert.EqualError(t, err, "fail")
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	r := New(Options[int]{
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, NonRetryable(errs.ErrInvalidData)
		},
		Retry: Always(),
	})
	_, err := r.Start().Wait(context.Background())
	assert.ErrorIs(t, err, errs.ErrInvalidData)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_RecoversPanics(t *testing.T) {
	r := New(Options[int]{
		Fn: func(context.Context) (int, error) { panic("kaboom") },
	})
	_, err := r.Start().Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestPromise_SettlesOnce(t *testing.T) {
	p := NewPromise[int]()
	assert.Equal(t, PromisePending, p.Status())
	assert.True(t, p.Resolve(1))
	assert.False(t, p.Reject(errors.New("late")))

	v, err := p.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, "fulfilled", p.Status().String())
}

func TestPromise_WaitHonoursContext(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsSettled())
}

func TestCanFetch(t *testing.T) {
	offline := &toggle{}
	assert.False(t, CanFetch(NetworkModeOnline, offline))
	assert.False(t, CanFetch("", offline))
	assert.True(t, CanFetch(NetworkModeAlways, offline))
	assert.True(t, CanFetch(NetworkModeOfflineFirst, offline))
	assert.True(t, CanFetch(NetworkModeOnline, nil))
	assert.False(t, NetworkMode("sometimes").Valid())
}
