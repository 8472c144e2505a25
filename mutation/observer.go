package mutation

import (
	"context"
	"slices"
	"sync"
)

// ResultListener receives observer results.
type ResultListener func(Result)

// MutateCallbacks are per-call callbacks. They fire only for the latest Mutate call of
// an observer, and only while it has listeners.
type MutateCallbacks struct {
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)
}

type observerSubscription struct {
	id       uint64
	listener ResultListener
}

// Observer tracks the latest mutation started through it.
type Observer struct {
	cache     *Cache
	defaulter Defaulter

	mu        sync.Mutex
	options   Options
	current   *Mutation
	result    Result
	callbacks *MutateCallbacks
	subs      []observerSubscription
	nextID    uint64
}

// NewObserver creates an observer. A nil defaulter uses the cache's environment
// defaults.
func NewObserver(c *Cache, defaulter Defaulter, opts Options) *Observer {
	if defaulter == nil {
		defaulter = c
	}
	o := &Observer{
		cache:     c,
		defaulter: defaulter,
		options:   defaulter.DefaultMutationOptions(opts),
		result:    buildResult(DefaultState()),
	}
	return o
}

// Options returns the observer's defaulted options.
func (o *Observer) Options() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// SetOptions replaces the options and forwards them to the current mutation.
func (o *Observer) SetOptions(opts Options) {
	opts = o.defaulter.DefaultMutationOptions(opts)
	o.mu.Lock()
	o.options = opts
	current := o.current
	o.mu.Unlock()

	o.cache.notifyEvent(Event{Type: EventObserverOptionsUpdated, Mutation: current, Observer: o})
	if current != nil {
		current.SetOptions(opts)
	}
}

// GetCurrentResult returns the latest result.
func (o *Observer) GetCurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Subscribe registers l and returns a function that removes it. Removing the last
// listener detaches the observer from its mutation.
func (o *Observer) Subscribe(l ResultListener) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, observerSubscription{id: id, listener: l})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.subs = slices.DeleteFunc(o.subs, func(s observerSubscription) bool {
				return s.id == id
			})
			empty := len(o.subs) == 0
			current := o.current
			o.mu.Unlock()
			if empty && current != nil {
				current.removeObserver(o)
			}
		})
	}
}

// HasListeners reports whether any listener is subscribed.
func (o *Observer) HasListeners() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs) > 0
}

// Mutate builds a new mutation from the observer's options, makes it current and
// executes it. The previous mutation keeps running but no longer reports here.
func (o *Observer) Mutate(ctx context.Context, variables any, callbacks *MutateCallbacks) (any, error) {
	o.mu.Lock()
	o.callbacks = callbacks
	prev := o.current
	opts := o.options
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}
	m := o.cache.Build(opts, nil)

	o.mu.Lock()
	o.current = m
	o.mu.Unlock()
	m.addObserver(o)

	return m.Execute(ctx, variables)
}

// Reset detaches the current mutation and returns the result to idle.
func (o *Observer) Reset() {
	o.mu.Lock()
	prev := o.current
	o.current = nil
	o.callbacks = nil
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}
	o.cache.notify.Batch(func() {
		o.cache.notify.Schedule(func() {
			o.publish(nil, nil)
		})
	})
}

func (o *Observer) onMutationUpdate(m *Mutation, a Action) {
	o.mu.Lock()
	current := o.current == m
	o.mu.Unlock()
	if current {
		o.publish(m, &a)
	}
}

// publish recomputes the result and notifies callbacks and listeners. It runs from the
// notification flush.
func (o *Observer) publish(m *Mutation, a *Action) {
	state := DefaultState()
	if m != nil {
		state = m.State()
	}

	o.mu.Lock()
	o.result = buildResult(state)
	result := o.result
	callbacks := o.callbacks
	subs := slices.Clone(o.subs)
	o.mu.Unlock()

	if a != nil && callbacks != nil && len(subs) > 0 {
		switch a.Type {
		case ActionSuccess:
			if callbacks.OnSuccess != nil {
				callbacks.OnSuccess(a.Data, state.Variables, state.Context)
			}
			if callbacks.OnSettled != nil {
				callbacks.OnSettled(a.Data, nil, state.Variables, state.Context)
			}
		case ActionError:
			if callbacks.OnError != nil {
				callbacks.OnError(a.Error, state.Variables, state.Context)
			}
			if callbacks.OnSettled != nil {
				callbacks.OnSettled(nil, a.Error, state.Variables, state.Context)
			}
		}
	}

	for _, s := range subs {
		s.listener(result)
	}
}
