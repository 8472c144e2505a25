package query

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
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/signal"
)

type resultLog struct {
	mu    sync.Mutex
	items []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, r)
}

func (l *resultLog) all() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Result, len(l.items))
	copy(out, l.items)
	return out
}

func (l *resultLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *resultLog) last() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return Result{}
	}
	return l.items[len(l.items)-1]
}

func newTestObserver(t *testing.T, c *Cache, opts Options) *Observer {
	t.Helper()
	o, err := NewObserver(c, nil, opts)
	require.NoError(t, err)
	return o
}

func countingFn(calls *atomic.Int32, v any) Func {
	return func(context.Context, FunctionContext) (any, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestObserver_MountFetchesAndNotifies(t *testing.T) {
	c := newTestCache(t)
	gate := make(chan struct{})
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"todos"},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			<-gate
			return []any{"a", "b"}, nil
		},
	})

	initial := o.GetCurrentResult()
	assert.True(t, initial.IsPending)
	assert.False(t, initial.IsFetching)

	log := &resultLog{}
	unsubscribe := o.Subscribe(log.add)
	defer unsubscribe()

	require.Eventually(t, func() bool { return log.len() > 0 }, time.Second, 5*time.Millisecond)
	first := log.all()[0]
	assert.True(t, first.IsLoading)
	assert.True(t, first.IsPending)
	assert.Equal(t, FetchStatusFetching, first.FetchStatus)

	close(gate)
	require.Eventually(t, func() bool { return log.last().IsSuccess }, time.Second, 5*time.Millisecond)
	last := log.last()
	assert.Equal(t, []any{"a", "b"}, last.Data)
	assert.False(t, last.IsFetching)
	assert.True(t, last.IsFetched)
	assert.True(t, last.IsFetchedAfterMount)
	assert.True(t, last.IsStale, "default stale time is zero")
}

func TestObserver_ObserversShareOneFetch(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	gate := make(chan struct{})
	opts := Options{
		QueryKey: keyhash.Key{"shared", 1},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			calls.Add(1)
			<-gate
			return "value", nil
		},
	}
	o1 := newTestObserver(t, c, opts)
	o2 := newTestObserver(t, c, opts)
	assert.Same(t, o1.Query(), o2.Query())

	log1, log2 := &resultLog{}, &resultLog{}
	defer o1.Subscribe(log1.add)()
	defer o2.Subscribe(log2.add)()

	close(gate)
	require.Eventually(t, func() bool {
		return log1.last().IsSuccess && log2.last().IsSuccess
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, o1.Query().ObserverCount())
}

func TestObserver_FreshDataSkipsMountFetch(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	opts := Options{
		QueryKey:  keyhash.Key{"fresh"},
		QueryFn:   countingFn(&calls, "fetched"),
		StaleTime: Duration(time.Minute),
	}
	q, _ := build(t, c, opts)
	q.SetData("cached", SetDataOptions{})

	o := newTestObserver(t, c, opts)
	defer o.Subscribe(func(Result) {})()

	res := o.GetCurrentResult()
	assert.Equal(t, "cached", res.Data)
	assert.False(t, res.IsStale)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestObserver_CachedStaleDataShownWhileRefetching(t *testing.T) {
	c := newTestCache(t)
	gate := make(chan struct{})
	defer close(gate)
	first := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"stale-default"},
		QueryFn:  func(context.Context, FunctionContext) (any, error) { return "v1", nil },
	})
	log := &resultLog{}
	defer first.Subscribe(log.add)()
	require.Eventually(t, func() bool { return log.last().IsSuccess }, time.Second, 5*time.Millisecond)

	second := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"stale-default"},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			<-gate
			return "v2", nil
		},
	})
	res := second.GetCurrentResult()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "v1", res.Data)
	assert.True(t, res.IsStale)

	defer second.Subscribe(func(Result) {})()
	require.Eventually(t, func() bool { return second.GetCurrentResult().IsFetching }, time.Second, 5*time.Millisecond)
	res = second.GetCurrentResult()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "v1", res.Data)
	assert.True(t, res.IsFetching)
	assert.Equal(t, FetchStatusFetching, res.FetchStatus)
}

func TestObserver_ConcurrentUpdatesDeliverLatestResultLast(t *testing.T) {
	c := newTestCache(t)
	o := newTestObserver(t, c, Options{
		QueryKey:  keyhash.Key{"ordering"},
		StaleTime: Duration(Infinity),
	})
	log := &resultLog{}
	defer o.Subscribe(log.add)()
	q := o.Query()

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			q.SetData(i, SetDataOptions{})
		}()
		go func() {
			defer wg.Done()
			o.updateResult()
		}()
	}
	wg.Wait()

	current := o.GetCurrentResult()
	require.NotZero(t, log.len())
	assert.Equal(t, current.Data, log.last().Data)
	assert.Equal(t, current.DataUpdatedAt, log.last().DataUpdatedAt)
}

func TestObserver_DisabledNeverAutoFetches(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"disabled"},
		QueryFn:  countingFn(&calls, "manual"),
		Enabled:  Bool(false),
	})
	defer o.Subscribe(func(Result) {})()

	res := o.GetCurrentResult()
	assert.False(t, res.IsEnabled)
	assert.True(t, res.IsPending)
	assert.Equal(t, FetchStatusIdle, res.FetchStatus)
	assert.False(t, o.Query().HasEnabledObserver())
	assert.True(t, o.Query().IsActive())

	c.OnFocus()
	c.OnOnline()
	assert.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	res, err := o.Refetch(context.Background(), RefetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "manual", res.Data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestObserver_RefetchThrowOnError(t *testing.T) {
	c := newTestCache(t)
	boom := errors.New("boom")
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"throw"},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			return nil, boom
		},
		Retry:   retry.Never(),
		Enabled: Bool(false),
	})

	res, err := o.Refetch(context.Background(), RefetchOptions{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, res.IsLoadingError)
	assert.ErrorIs(t, res.Error, boom)

	_, err = o.Refetch(context.Background(), RefetchOptions{ThrowOnError: true})
	assert.ErrorIs(t, err, boom)
}

func TestObserver_SelectIsMemoized(t *testing.T) {
	c := newTestCache(t)
	var selects atomic.Int32
	opts := Options{
		QueryKey:  keyhash.Key{"select"},
		StaleTime: Duration(Infinity),
		Select: func(data any) (any, error) {
			selects.Add(1)
			return len(data.(map[string]any)), nil
		},
	}
	q, _ := build(t, c, opts)
	q.SetData(map[string]any{"a": 1, "b": 2}, SetDataOptions{})

	o := newTestObserver(t, c, opts)
	defer o.Subscribe(func(Result) {})()
	assert.Equal(t, 2, o.GetCurrentResult().Data)
	assert.Equal(t, int32(1), selects.Load())

	q.Invalidate()
	assert.True(t, o.GetCurrentResult().IsStale)
	assert.Equal(t, int32(1), selects.Load(), "same data identity reuses the selection")

	require.NoError(t, o.SetOptions(opts))
	assert.Equal(t, int32(2), selects.Load(), "new options recompute the selection")

	q.SetData(map[string]any{"a": 1}, SetDataOptions{})
	assert.Equal(t, 1, o.GetCurrentResult().Data)
	assert.Equal(t, int32(3), selects.Load())
}

func TestObserver_SelectErrorSurfacesOnResultOnly(t *testing.T) {
	c := newTestCache(t)
	selectErr := errors.New("bad shape")
	opts := Options{
		QueryKey:  keyhash.Key{"select-error"},
		StaleTime: Duration(Infinity),
		Select: func(any) (any, error) {
			return nil, selectErr
		},
	}
	q, _ := build(t, c, opts)
	q.SetData("raw", SetDataOptions{})

	o := newTestObserver(t, c, opts)
	res := o.GetCurrentResult()
	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Error, selectErr)
	assert.ErrorIs(t, res.Error, errs.ErrSelectFailed)
	assert.Equal(t, errs.ErrorInvalid, errs.Classify(res.Error))
	assert.Equal(t, StatusSuccess, q.State().Status)
	assert.NoError(t, q.State().Error)
}

func TestObserver_TrackedPropsFilterNotifications(t *testing.T) {
	c := newTestCache(t)
	opts := Options{
		QueryKey:  keyhash.Key{"tracked"},
		StaleTime: Duration(Infinity),
	}
	q, _ := build(t, c, opts)
	q.SetData(map[string]any{"v": 1.0}, SetDataOptions{})

	o := newTestObserver(t, c, opts)
	o.TrackProps(PropData)
	log := &resultLog{}
	defer o.Subscribe(log.add)()

	q.Invalidate()
	assert.True(t, o.GetCurrentResult().IsStale)
	assert.Equal(t, 0, log.len(), "isStale is not tracked")

	q.SetData(map[string]any{"v": 1.0}, SetDataOptions{})
	assert.Equal(t, 0, log.len(), "structurally equal data keeps its identity")

	q.SetData(map[string]any{"v": 2.0}, SetDataOptions{})
	require.Equal(t, 1, log.len())
	assert.Equal(t, map[string]any{"v": 2.0}, log.last().Data)
}

func TestObserver_NotifyOnChangePropsAll(t *testing.T) {
	c := newTestCache(t)
	opts := Options{
		QueryKey:            keyhash.Key{"all-props"},
		StaleTime:           Duration(Infinity),
		NotifyOnChangeProps: []Prop{PropAll},
	}
	q, _ := build(t, c, opts)
	q.SetData("x", SetDataOptions{})

	o := newTestObserver(t, c, opts)
	o.TrackProps(PropData)
	log := &resultLog{}
	defer o.Subscribe(log.add)()

	q.Invalidate()
	assert.Equal(t, 1, log.len())
}

func TestObserver_PlaceholderData(t *testing.T) {
	c := newTestCache(t)
	gate := make(chan struct{})
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"placeholder"},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			<-gate
			return "real", nil
		},
		PlaceholderData: func(any) any { return "placeholder" },
	})
	log := &resultLog{}
	defer o.Subscribe(log.add)()

	res := o.GetCurrentResult()
	assert.Equal(t, "placeholder", res.Data)
	assert.True(t, res.IsPlaceholderData)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StatusPending, o.Query().State().Status)

	close(gate)
	require.Eventually(t, func() bool { return log.last().Data == "real" }, time.Second, 5*time.Millisecond)
	assert.False(t, log.last().IsPlaceholderData)
}

func TestObserver_UnmountRevertsWhenSignalConsumed(t *testing.T) {
	c := newTestCache(t)
	started := make(chan struct{})
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"abortable"},
		QueryFn: func(ctx context.Context, _ FunctionContext) (any, error) {
			done := ctx.Done()
			close(started)
			<-done
			return nil, ctx.Err()
		},
	})
	unsubscribe := o.Subscribe(func(Result) {})
	<-started
	q := o.Query()
	unsubscribe()

	require.Eventually(t, func() bool {
		return q.State().FetchStatus == FetchStatusIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusPending, q.State().Status)
	assert.NoError(t, q.State().Error)
}

func TestObserver_UnmountLetsUnabortableFetchFinish(t *testing.T) {
	c := newTestCache(t)
	started := make(chan struct{})
	gate := make(chan struct{})
	o := newTestObserver(t, c, Options{
		QueryKey: keyhash.Key{"unabortable"},
		QueryFn: func(context.Context, FunctionContext) (any, error) {
			close(started)
			<-gate
			return "done", nil
		},
	})
	unsubscribe := o.Subscribe(func(Result) {})
	<-started
	q := o.Query()
	unsubscribe()
	close(gate)

	require.Eventually(t, func() bool {
		return q.State().Data == "done"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuccess, q.State().Status)
}

func TestObserver_RefetchesOnFocusWhenStale(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		want    int32
	}{
		{"when stale", TriggerInherit, 2},
		{"never", TriggerNever, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			focus := signal.NewFocusManager()
			c := newTestCache(t, WithFocus(focus))
			var calls atomic.Int32
			o := newTestObserver(t, c, Options{
				QueryKey:             keyhash.Key{"focus"},
				QueryFn:              countingFn(&calls, "v"),
				RefetchOnWindowFocus: tt.trigger,
			})
			log := &resultLog{}
			defer o.Subscribe(log.add)()
			require.Eventually(t, func() bool { return log.last().IsSuccess }, time.Second, 5*time.Millisecond)

			c.OnFocus()
			require.Eventually(t, func() bool { return calls.Load() == tt.want }, time.Second, 5*time.Millisecond)
			assert.Never(t, func() bool { return calls.Load() > tt.want }, 50*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestObserver_RefetchInterval(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	o := newTestObserver(t, c, Options{
		QueryKey:                    keyhash.Key{"interval"},
		QueryFn:                     countingFn(&calls, "tick"),
		RefetchInterval:             20 * time.Millisecond,
		RefetchIntervalInBackground: true,
	})
	unsubscribe := o.Subscribe(func(Result) {})
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	unsubscribe()
	time.Sleep(30 * time.Millisecond)
	settled := calls.Load()
	assert.Never(t, func() bool { return calls.Load() > settled }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestObserver_SetOptionsSwitchesQuery(t *testing.T) {
	c := newTestCache(t)
	fn := func(_ context.Context, fc FunctionContext) (any, error) {
		return fc.QueryKey[1], nil
	}
	o := newTestObserver(t, c, Options{QueryKey: keyhash.Key{"page", 1.0}, QueryFn: fn})
	log := &resultLog{}
	defer o.Subscribe(log.add)()
	require.Eventually(t, func() bool { return log.last().Data == 1.0 }, time.Second, 5*time.Millisecond)
	first := o.Query()

	require.NoError(t, o.SetOptions(Options{QueryKey: keyhash.Key{"page", 2.0}, QueryFn: fn}))
	require.Eventually(t, func() bool { return log.last().Data == 2.0 }, time.Second, 5*time.Millisecond)

	assert.NotSame(t, first, o.Query())
	assert.Equal(t, 0, first.ObserverCount())
	assert.Equal(t, 1, o.Query().ObserverCount())
}

func TestObserver_StaleTimerNotifies(t *testing.T) {
	c := newTestCache(t)
	opts := Options{
		QueryKey:  keyhash.Key{"stale-timer"},
		StaleTime: Duration(30 * time.Millisecond),
	}
	q, _ := build(t, c, opts)
	q.SetData("v", SetDataOptions{})

	o := newTestObserver(t, c, opts)
	o.TrackProps(PropIsStale)
	log := &resultLog{}
	defer o.Subscribe(log.add)()
	assert.False(t, o.GetCurrentResult().IsStale)

	require.Eventually(t, func() bool { return log.last().IsStale }, time.Second, 5*time.Millisecond)
}

func TestChangedProps(t *testing.T) {
	data := map[string]any{"a": 1}
	prev := Result{Status: StatusPending, IsPending: true}
	next := Result{Status: StatusSuccess, IsSuccess: true, Data: data}

	changed := ChangedProps(prev, next)
	assert.ElementsMatch(t, []Prop{PropStatus, PropIsPending, PropIsSuccess, PropData}, changed)
	assert.Empty(t, ChangedProps(next, next))
}
