package mutation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

// Mutation is one invocation of a write operation.
type Mutation struct {
	query.Removable

	id     int64
	cache  *Cache
	logger *slog.Logger

	mu        sync.Mutex
	options   Options
	state     State
	observers []*Observer
	retryer   *retry.Retryer[any]
	resumed   *retry.Promise[any]
}

func newMutation(c *Cache, id int64, opts Options, state *State) *Mutation {
	m := &Mutation{
		id:      id,
		cache:   c,
		logger:  c.logger.With("mutation_id", id),
		options: opts,
		state:   DefaultState(),
	}
	if state != nil {
		m.state = *state
	}
	m.UpdateGCTime(*opts.GCTime)
	m.scheduleGC()
	return m
}

// ID returns the cache-assigned identifier. IDs increase in submission order.
func (m *Mutation) ID() int64 {
	return m.id
}

// Options returns the mutation's options.
func (m *Mutation) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// State returns a copy of the current state.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Meta returns the options' metadata.
func (m *Mutation) Meta() map[string]any {
	return m.Options().Meta
}

// ObserverCount returns the number of attached observers.
func (m *Mutation) ObserverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// SetOptions replaces the options.
func (m *Mutation) SetOptions(opts Options) {
	opts = withDefaults(opts, m.cache.serverMode)
	m.mu.Lock()
	m.options = opts
	m.mu.Unlock()
	m.UpdateGCTime(*opts.GCTime)
}

// Execute runs the mutation with variables and blocks until it settles. Lifecycle
// callbacks run before the final state is dispatched. Cancelling ctx aborts the
// mutation, which then fails with the context's error.
//
// A mutation restored in the pending state (from hydration) continues with its stored
// variables and context instead of submitting again.
func (m *Mutation) Execute(ctx context.Context, variables any) (any, error) {
	m.mu.Lock()
	opts := m.options
	restored := m.state.Status == StatusPending
	if restored {
		variables = m.state.Variables
	}
	m.mu.Unlock()

	r := retry.New(retry.Options[any]{
		Context: ctx,
		Fn: func(ctx context.Context) (any, error) {
			if opts.MutationFn == nil {
				return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrMissingMutationFn,
					"Mutation", "Execute", "resolve mutation function"))
			}
			return opts.MutationFn(slogcontext.NewCtx(ctx, m.logger), variables)
		},
		Retry:       opts.Retry,
		RetryDelay:  opts.RetryDelay,
		NetworkMode: opts.NetworkMode,
		Online:      m.cache.online,
		Focus:       m.cache.focus,
		CanRun:      func() bool { return m.cache.canRun(m) },
		OnFail: func(n int, err error) {
			m.logger.Debug("Mutation attempt failed, retrying", "failure_count", n, "error", err)
			m.dispatch(Action{Type: ActionFailed, FailureCount: n, Error: err})
		},
		OnPause:    func() { m.dispatch(Action{Type: ActionPause}) },
		OnContinue: func() { m.dispatch(Action{Type: ActionContinue}) },
	})

	m.mu.Lock()
	m.retryer = r
	m.mu.Unlock()
	m.cache.enqueue(m)
	defer m.cache.runNext(m)

	stop := context.AfterFunc(ctx, func() {
		r.Cancel(retry.CancelOptions{})
	})
	defer stop()

	start := time.Now()
	if restored {
		m.dispatch(Action{Type: ActionContinue})
	} else {
		paused := !r.CanStart()
		m.dispatch(Action{Type: ActionPending, Variables: variables, IsPaused: paused})
		m.cache.onMutate(variables, m)
		if opts.OnMutate != nil {
			mctx, err := opts.OnMutate(ctx, variables)
			if err != nil {
				r.Cancel(retry.CancelOptions{Silent: true})
				return nil, m.fail(err, variables, opts, start)
			}
			if mctx != nil {
				m.dispatch(Action{Type: ActionPending, Variables: variables, Context: mctx, IsPaused: paused})
			}
		}
	}

	data, err := r.Start().Wait(context.Background())
	if err != nil {
		if retry.IsCancelled(err) && ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, m.fail(err, variables, opts, start)
	}

	mctx := m.State().Context
	m.cache.onSuccess(data, variables, mctx, m)
	if opts.OnSuccess != nil {
		opts.OnSuccess(data, variables, mctx)
	}
	m.cache.onSettled(data, nil, variables, mctx, m)
	if opts.OnSettled != nil {
		opts.OnSettled(data, nil, variables, mctx)
	}
	m.dispatch(Action{Type: ActionSuccess, Data: data})

	m.cache.metrics.recordExecution("success", time.Since(start))
	m.logger.Debug("Mutation succeeded", "duration", time.Since(start))
	return data, nil
}

func (m *Mutation) fail(err error, variables any, opts Options, start time.Time) error {
	mctx := m.State().Context
	m.cache.onError(err, variables, mctx, m)
	if opts.OnError != nil {
		opts.OnError(err, variables, mctx)
	}
	m.cache.onSettled(nil, err, variables, mctx, m)
	if opts.OnSettled != nil {
		opts.OnSettled(nil, err, variables, mctx)
	}
	m.dispatch(Action{Type: ActionError, Error: err})

	m.cache.metrics.recordExecution("error", time.Since(start))
	m.logger.Warn("Mutation failed", "error", err)
	return err
}

// Continue wakes a paused mutation. A restored mutation that never ran is executed
// with its stored variables. The returned promise settles with the work function's
// outcome.
func (m *Mutation) Continue() *retry.Promise[any] {
	m.mu.Lock()
	if r := m.retryer; r != nil {
		m.mu.Unlock()
		return r.Continue()
	}
	if m.resumed != nil {
		p := m.resumed
		m.mu.Unlock()
		return p
	}
	p := retry.NewPromise[any]()
	m.resumed = p
	variables := m.state.Variables
	m.mu.Unlock()

	go func() {
		p.Settle(m.Execute(context.Background(), variables))
	}()
	return p
}

func (m *Mutation) dispatch(a Action) {
	m.cache.notify.Batch(func() {
		m.mu.Lock()
		before := m.state.IsPaused
		m.state = reduce(m.state, a, time.Now())
		after := m.state.IsPaused
		observers := slices.Clone(m.observers)
		m.mu.Unlock()

		if m.cache.contains(m) {
			m.cache.metrics.trackPaused(before, after)
		}
		m.cache.notify.Schedule(func() {
			for _, o := range observers {
				o.onMutationUpdate(m, a)
			}
			m.cache.emit(Event{Type: EventUpdated, Mutation: m, Action: &a})
		})
	})
}

func (m *Mutation) addObserver(o *Observer) {
	m.mu.Lock()
	if slices.Contains(m.observers, o) {
		m.mu.Unlock()
		return
	}
	m.observers = append(m.observers, o)
	m.mu.Unlock()

	m.ClearGC()
	m.cache.notifyEvent(Event{Type: EventObserverAdded, Mutation: m, Observer: o})
}

func (m *Mutation) removeObserver(o *Observer) {
	m.mu.Lock()
	idx := slices.Index(m.observers, o)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.observers = slices.Delete(m.observers, idx, idx+1)
	m.mu.Unlock()

	m.scheduleGC()
	m.cache.notifyEvent(Event{Type: EventObserverRemoved, Mutation: m, Observer: o})
}

func (m *Mutation) scheduleGC() {
	m.ScheduleGC(m.optionalRemove)
}

// optionalRemove keeps a pending mutation around until it settles.
func (m *Mutation) optionalRemove() {
	m.mu.Lock()
	observed := len(m.observers) > 0
	pending := m.state.Status == StatusPending
	m.mu.Unlock()

	switch {
	case observed:
	case pending:
		m.scheduleGC()
	default:
		m.cache.removeIfUnused(m)
	}
}

func (m *Mutation) unused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers) == 0 && m.state.Status != StatusPending
}
