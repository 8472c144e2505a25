package query

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
)

// Query is one cache entry: a key, its state and the observers watching it. At most
// one fetch is in flight per query.
type Query struct {
	Removable

	cache  *Cache
	hash   string
	key    keyhash.Key
	logger *slog.Logger

	mu           sync.Mutex
	options      Options
	state        State
	initialState State
	revertState  *State
	observers    []*Observer
	retryer      *retry.Retryer[any]
	promise      *retry.Promise[any]
	signalUsed   *atomic.Bool
}

func newQuery(c *Cache, opts Options, state *State) *Query {
	q := &Query{
		cache:  c,
		hash:   opts.QueryHash,
		key:    keyhash.Clone(opts.QueryKey),
		logger: c.logger.With("query_hash", opts.QueryHash),
	}
	q.options = opts
	q.UpdateGCTime(opts.gcTime(c.serverMode))
	q.initialState = initialState(opts)
	if state != nil {
		q.state = *state
	} else {
		q.state = q.initialState
	}
	q.scheduleGC()
	return q
}

// Hash returns the canonical hash of the query key.
func (q *Query) Hash() string {
	return q.hash
}

// Key returns a copy of the query key.
func (q *Query) Key() keyhash.Key {
	return keyhash.Clone(q.key)
}

// State returns a snapshot of the query state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Options returns the options of the last fetch or build.
func (q *Query) Options() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options
}

// Meta returns the meta of the current options.
func (q *Query) Meta() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options.Meta
}

// Observers returns the attached observers in attachment order.
func (q *Query) Observers() []*Observer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.observers)
}

// ObserverCount returns the number of attached observers.
func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// IsActive reports whether at least one observer is attached, enabled or not.
func (q *Query) IsActive() bool {
	return q.ObserverCount() > 0
}

// HasEnabledObserver reports whether at least one attached observer is enabled.
func (q *Query) HasEnabledObserver() bool {
	for _, o := range q.Observers() {
		if o.Options().IsEnabled(q) {
			return true
		}
	}
	return false
}

// IsDisabled reports whether every observer is disabled, or, without observers,
// whether the query never settled a fetch.
func (q *Query) IsDisabled() bool {
	if q.ObserverCount() > 0 {
		return !q.HasEnabledObserver()
	}
	s := q.State()
	return s.DataUpdateCount+s.ErrorUpdateCount == 0
}

// IsStale reports whether the query should be refetched. With observers attached it
// is stale if any of their results is stale.
func (q *Query) IsStale() bool {
	s := q.State()
	if s.IsInvalidated {
		return true
	}
	observers := q.Observers()
	if len(observers) > 0 {
		for _, o := range observers {
			if o.GetCurrentResult().IsStale {
				return true
			}
		}
		return false
	}
	return s.Data == nil
}

// IsStaleByTime reports whether the data is older than staleTime.
func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	return isStaleByTime(q.State(), staleTime, time.Now())
}

func isStaleByTime(s State, staleTime time.Duration, now time.Time) bool {
	if s.Data == nil || s.IsInvalidated {
		return true
	}
	if staleTime == Infinity {
		return false
	}
	return now.Sub(s.DataUpdatedAt) >= staleTime
}

// IsFetching reports whether a fetch is running or paused.
func (q *Query) IsFetching() bool {
	return q.State().FetchStatus != FetchStatusIdle
}

// Promise returns the promise of the current or last fetch, or nil.
func (q *Query) Promise() *retry.Promise[any] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.promise
}

// SetDataOptions qualifies a manual data write.
type SetDataOptions struct {
	UpdatedAt time.Time
	// Manual leaves the fetch bookkeeping of an in-flight fetch untouched.
	Manual bool
}

// SetData records data as a success, structurally shared with the previous value.
// It returns the stored value.
func (q *Query) SetData(data any, opts SetDataOptions) any {
	var stored any
	q.withLock(func() {
		stored = q.setDataLocked(data, opts.UpdatedAt, opts.Manual)
	})
	return stored
}

// SetState replaces the state.
func (q *Query) SetState(s State) {
	q.withLock(func() {
		q.dispatchLocked(Action{Type: ActionSetState, State: s})
	})
}

// Invalidate marks the data stale regardless of time.
func (q *Query) Invalidate() {
	q.withLock(func() {
		if !q.state.IsInvalidated {
			q.dispatchLocked(Action{Type: ActionInvalidate})
		}
	})
}

// Cancel cancels the in-flight fetch. The returned promise settles once the query
// state reflects the cancellation; it is nil if the query never fetched.
func (q *Query) Cancel(opts retry.CancelOptions) *retry.Promise[any] {
	q.mu.Lock()
	r, p := q.retryer, q.promise
	q.mu.Unlock()
	if r == nil {
		return p
	}
	r.Cancel(opts)
	return p
}

// Reset cancels any fetch and restores the initial state.
func (q *Query) Reset() {
	q.destroy()
	q.withLock(func() {
		q.dispatchLocked(Action{Type: ActionSetState, State: q.initialState})
	})
}

func (q *Query) destroy() {
	q.ClearGC()
	q.Cancel(retry.CancelOptions{Silent: true})
}

func (q *Query) setOptions(opts Options) {
	q.withLock(func() {
		q.setOptionsLocked(opts)
	})
}

func (q *Query) setOptionsLocked(opts Options) {
	q.options = opts
	q.UpdateGCTime(opts.gcTime(q.cache.serverMode))
	if q.state.Data == nil && opts.InitialData != nil {
		initial := initialState(opts)
		if initial.Data != nil {
			s := q.state
			s.Data = initial.Data
			s.DataUpdatedAt = initial.DataUpdatedAt
			s.Error = nil
			s.IsInvalidated = false
			s.Status = StatusSuccess
			q.dispatchLocked(Action{Type: ActionSetState, State: s})
			q.initialState = initial
		}
	}
}

func (q *Query) setDataLocked(data any, updatedAt time.Time, manual bool) any {
	data = q.options.replaceData(q.state.Data, data)
	q.dispatchLocked(Action{Type: ActionSuccess, Data: data, UpdatedAt: updatedAt, Manual: manual})
	return data
}

// withLock runs fn under the query lock inside a notification batch, so callbacks
// scheduled by fn run after the lock is released.
func (q *Query) withLock(fn func()) {
	q.cache.notify.Batch(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		fn()
	})
}

// dispatchLocked must run inside withLock.
func (q *Query) dispatchLocked(a Action) {
	q.state = reduce(q.state, a, time.Now())
	observers := slices.Clone(q.observers)
	q.cache.notify.Schedule(func() {
		for _, o := range observers {
			o.onQueryUpdate()
		}
		q.cache.emit(Event{Type: EventUpdated, Query: q, Action: a})
	})
}

// dispatchFor applies a only while r is still the query's retryer.
func (q *Query) dispatchFor(r *retry.Retryer[any], a Action) {
	q.withLock(func() {
		if q.retryer == r {
			q.dispatchLocked(a)
		}
	})
}

func (q *Query) addObserver(o *Observer) {
	q.mu.Lock()
	if slices.Contains(q.observers, o) {
		q.mu.Unlock()
		return
	}
	q.observers = append(q.observers, o)
	q.mu.Unlock()

	q.ClearGC()
	q.cache.notifyEvent(Event{Type: EventObserverAdded, Query: q, Observer: o})
}

func (q *Query) removeObserver(o *Observer) {
	q.mu.Lock()
	idx := slices.Index(q.observers, o)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.observers = slices.Delete(q.observers, idx, idx+1)
	empty := len(q.observers) == 0
	r, used := q.retryer, q.signalUsed
	q.mu.Unlock()

	if empty {
		if r != nil {
			// A function that listens for cancellation can be aborted and reverted;
			// otherwise let the running attempt finish so its result is cached.
			if used != nil && used.Load() {
				r.Cancel(retry.CancelOptions{Revert: true})
			} else {
				r.CancelRetry()
			}
		}
		q.scheduleGC()
	}
	q.cache.notifyEvent(Event{Type: EventObserverRemoved, Query: q, Observer: o})
}

func (q *Query) scheduleGC() {
	q.ScheduleGC(q.optionalRemove)
}

func (q *Query) optionalRemove() {
	q.cache.removeIfUnused(q)
}

func (q *Query) unused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers) == 0 && q.state.FetchStatus == FetchStatusIdle
}

func (q *Query) onFocus() {
	for _, o := range q.Observers() {
		if o.shouldFetchOnWindowFocus() {
			o.executeFetch(FetchOptions{})
			break
		}
	}
	q.continueRetryer()
}

func (q *Query) onOnline() {
	for _, o := range q.Observers() {
		if o.shouldFetchOnReconnect() {
			o.executeFetch(FetchOptions{})
			break
		}
	}
	q.continueRetryer()
}

func (q *Query) continueRetryer() {
	q.mu.Lock()
	r := q.retryer
	q.mu.Unlock()
	if r != nil {
		r.Continue()
	}
}

// signalContext records whether the work function looked at cancellation.
type signalContext struct {
	context.Context
	used *atomic.Bool
}

func (c *signalContext) Done() <-chan struct{} {
	c.used.Store(true)
	return c.Context.Done()
}

func (c *signalContext) Err() error {
	c.used.Store(true)
	return c.Context.Err()
}
