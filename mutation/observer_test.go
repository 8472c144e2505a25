package mutation

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querystate/pkg/keyhash"
)

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.results))
	for _, r := range l.results {
		out = append(out, r.Status)
	}
	return out
}

func TestObserver_MutateReportsTransitions(t *testing.T) {
	c := newTestCache(t)
	o := NewObserver(c, nil, Options{
		MutationKey: keyhash.Key{"todos", "add"},
		MutationFn: func(_ context.Context, vars any) (any, error) {
			return vars, nil
		},
	})
	assert.True(t, o.GetCurrentResult().IsIdle)

	log := &resultLog{}
	defer o.Subscribe(log.add)()

	var settled []any
	data, err := o.Mutate(context.Background(), "v1", &MutateCallbacks{
		OnSuccess: func(data, _, _ any) { settled = append(settled, data) },
		OnSettled: func(data any, err error, _, _ any) { settled = append(settled, err) },
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", data)

	assert.Equal(t, []Status{StatusPending, StatusSuccess}, log.statuses())
	assert.Equal(t, []any{"v1", nil}, settled)

	res := o.GetCurrentResult()
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "v1", res.Data)
	assert.Equal(t, "v1", res.Variables)
}

func TestObserver_CallbacksOnlyForLatestMutate(t *testing.T) {
	c := newTestCache(t)
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	o := NewObserver(c, nil, Options{
		MutationFn: func(_ context.Context, vars any) (any, error) {
			started <- struct{}{}
			if vars == "first" {
				<-gate
			}
			return vars, nil
		},
	})
	defer o.Subscribe(func(Result) {})()

	var mu sync.Mutex
	var got []any
	record := &MutateCallbacks{OnSuccess: func(data, _, _ any) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Mutate(context.Background(), "first", record)
	}()
	<-started

	_, err := o.Mutate(context.Background(), "second", record)
	require.NoError(t, err)
	close(gate)
	<-done

	mu.Lock()
	assert.Equal(t, []any{"second"}, got)
	mu.Unlock()
	assert.Equal(t, "second", o.GetCurrentResult().Data)
	assert.Len(t, c.GetAll(), 2)
}

func TestObserver_ErrorResultAndReset(t *testing.T) {
	boom := stderrors.New("boom")
	c := newTestCache(t)
	o := NewObserver(c, nil, Options{
		MutationFn: func(context.Context, any) (any, error) { return nil, boom },
	})
	defer o.Subscribe(func(Result) {})()

	var onError error
	_, err := o.Mutate(context.Background(), nil, &MutateCallbacks{
		OnError: func(err error, _, _ any) { onError = err },
	})
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, onError, boom)

	res := o.GetCurrentResult()
	assert.True(t, res.IsError)
	assert.ErrorIs(t, res.Error, boom)

	m := c.GetAll()[0]
	assert.Equal(t, 1, m.ObserverCount())
	o.Reset()
	assert.True(t, o.GetCurrentResult().IsIdle)
	assert.Zero(t, m.ObserverCount())
}

type keyDefaults struct {
	fn Func
}

func (d keyDefaults) DefaultMutationOptions(opts Options) Options {
	return withDefaults(Options{MutationFn: d.fn}.Merge(opts), false)
}

func TestObserver_UsesDefaulter(t *testing.T) {
	c := newTestCache(t)
	o := NewObserver(c, keyDefaults{fn: func(context.Context, any) (any, error) {
		return "from defaults", nil
	}}, Options{MutationKey: keyhash.Key{"defaults"}})

	data, err := o.Mutate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "from defaults", data)
}
