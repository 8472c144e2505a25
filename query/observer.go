package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/pkg/structural"
)

// ResultListener receives every notified result, in order.
type ResultListener func(Result)

type observerSubscription struct {
	id       uint64
	listener ResultListener
}

// RefetchOptions controls Observer.Refetch.
type RefetchOptions struct {
	// CancelRefetch restarts an in-flight fetch. Defaults to true.
	CancelRefetch *bool
	// ThrowOnError returns the terminal fetch error instead of only recording it.
	ThrowOnError bool
}

// Observer watches one query on behalf of a consumer. It fetches on mount and on
// the configured triggers, derives a Result from the query state and notifies its
// listeners when a tracked part of the result changed.
//
// Lock order is observer then query; the observer never holds its lock while calling
// into a query or the cache.
type Observer struct {
	id        string
	cache     *Cache
	defaulter Defaulter
	logger    *slog.Logger

	mu                sync.Mutex
	options           Options
	optionsGen        uint64
	query             *Query
	queryInitialState State
	result            Result
	hasResult         bool
	lastQueryWithData *Query
	placeholderGen    uint64
	selectValid       bool
	selectGen         uint64
	selectSource      any
	selectResult      any
	selectErr         error
	selectErrAt       time.Time
	trackedProps      map[Prop]struct{}
	staleTimer        *time.Timer
	intervalStop      chan struct{}
	currentInterval   time.Duration
	subs              []observerSubscription
	nextID            uint64
}

// NewObserver creates an observer for opts. defaulter fills in option defaults; nil
// uses the cache's environment defaults. The observer does nothing until the first
// Subscribe.
func NewObserver(cache *Cache, defaulter Defaulter, opts Options) (*Observer, error) {
	if defaulter == nil {
		defaulter = cache
	}
	o := &Observer{
		id:        uuid.NewString(),
		cache:     cache,
		defaulter: defaulter,
	}
	o.logger = cache.logger.With("observer_id", o.id)
	if err := o.SetOptions(opts); err != nil {
		return nil, err
	}
	return o, nil
}

// ID returns the observer identifier used in logs and events.
func (o *Observer) ID() string {
	return o.id
}

// Query returns the query currently observed.
func (o *Observer) Query() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// Options returns the defaulted options.
func (o *Observer) Options() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// HasListeners reports whether the observer is mounted.
func (o *Observer) HasListeners() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs) > 0
}

// GetCurrentResult returns the last computed result.
func (o *Observer) GetCurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// TrackProps declares result fields the consumer reads. Once a field is tracked,
// listeners are only notified when a tracked field changed.
func (o *Observer) TrackProps(props ...Prop) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.trackedProps == nil {
		o.trackedProps = make(map[Prop]struct{}, len(props))
	}
	for _, p := range props {
		o.trackedProps[p] = struct{}{}
	}
}

// SetOptions replaces the options. A key change moves the observer to another query;
// a mounted observer refetches when the new query is stale.
func (o *Observer) SetOptions(opts Options) error {
	defaulted, err := o.defaulter.DefaultQueryOptions(opts)
	if err != nil {
		return err
	}

	o.mu.Lock()
	prevOptions := o.options
	prevQuery := o.query
	o.options = defaulted
	o.optionsGen++
	o.mu.Unlock()

	if prevQuery != nil {
		o.cache.notifyEvent(Event{Type: EventObserverOptionsUpdated, Query: prevQuery, Observer: o})
	}

	if err := o.updateQuery(); err != nil {
		return err
	}
	q := o.Query()
	q.setOptions(defaulted)

	mounted := o.HasListeners()
	if mounted && shouldFetchOptionally(q, q.State(), prevQuery, defaulted, prevOptions) {
		o.executeFetch(FetchOptions{})
	}

	o.updateResult()

	if !mounted {
		return nil
	}
	enabledChanged := prevQuery == nil || prevOptions.IsEnabled(q) != defaulted.IsEnabled(q)
	if q != prevQuery || enabledChanged || prevOptions.staleTime() != defaulted.staleTime() {
		o.updateStaleTimeout()
	}
	next := o.computeRefetchInterval()
	o.mu.Lock()
	intervalChanged := next != o.currentInterval
	o.mu.Unlock()
	if q != prevQuery || enabledChanged || intervalChanged {
		o.updateRefetchInterval(next)
	}
	return nil
}

// Subscribe mounts the observer on the first listener and returns a function that
// removes l. Removing the last listener unmounts the observer.
func (o *Observer) Subscribe(l ResultListener) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, observerSubscription{id: id, listener: l})
	first := len(o.subs) == 1
	o.mu.Unlock()

	if first {
		o.onSubscribe()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.subs = slices.DeleteFunc(o.subs, func(s observerSubscription) bool {
				return s.id == id
			})
			last := len(o.subs) == 0
			o.mu.Unlock()
			if last {
				o.Destroy()
			}
		})
	}
}

func (o *Observer) onSubscribe() {
	q := o.Query()
	q.addObserver(o)
	o.logger.Debug("Observer mounted", "query_hash", q.Hash())

	if shouldFetchOnMount(q, q.State(), o.Options()) {
		o.executeFetch(FetchOptions{})
	} else {
		o.updateResult()
	}
	o.updateTimers()
}

// Destroy detaches the observer from its query and stops its timers.
func (o *Observer) Destroy() {
	o.mu.Lock()
	o.subs = nil
	q := o.query
	o.clearStaleTimeoutLocked()
	o.clearRefetchIntervalLocked()
	o.mu.Unlock()

	if q != nil {
		q.removeObserver(o)
		o.logger.Debug("Observer unmounted", "query_hash", q.Hash())
	}
}

// Refetch fetches the query and returns the resulting observer result. Fetch errors
// are reported in the result; they are returned only with ThrowOnError. Cancellation
// of ctx abandons the wait and returns ctx's error.
func (o *Observer) Refetch(ctx context.Context, ro RefetchOptions) (Result, error) {
	cancelRefetch := ro.CancelRefetch == nil || *ro.CancelRefetch
	p := o.executeFetch(FetchOptions{CancelRefetch: cancelRefetch})
	_, err := p.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && stderrors.Is(err, ctxErr) {
		return o.GetCurrentResult(), err
	}

	o.updateResult()
	res := o.GetCurrentResult()
	if err != nil && ro.ThrowOnError && !retry.IsCancelled(err) {
		return res, err
	}
	return res, nil
}

// GetOptimisticResult computes the result opts would produce right now, assuming a
// fetch the observer is about to start has already begun. Listeners are not
// notified.
func (o *Observer) GetOptimisticResult(opts Options) (Result, error) {
	defaulted, err := o.defaulter.DefaultQueryOptions(opts)
	if err != nil {
		return Result{}, err
	}
	q, err := o.cache.Build(defaulted, nil)
	if err != nil {
		return Result{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	res, _ := o.createResultLocked(q, defaulted, true)
	return res, nil
}

func (o *Observer) updateQuery() error {
	o.mu.Lock()
	opts := o.options
	prev := o.query
	o.mu.Unlock()

	q, err := o.cache.Build(opts, nil)
	if err != nil {
		return err
	}
	if q == prev {
		return nil
	}

	state := q.State()
	o.mu.Lock()
	o.query = q
	o.queryInitialState = state
	mounted := len(o.subs) > 0
	o.mu.Unlock()

	if mounted {
		if prev != nil {
			prev.removeObserver(o)
		}
		q.addObserver(o)
	}
	return nil
}

func (o *Observer) executeFetch(fo FetchOptions) *retry.Promise[any] {
	if err := o.updateQuery(); err != nil {
		p := retry.NewPromise[any]()
		p.Reject(err)
		return p
	}
	o.mu.Lock()
	q, opts := o.query, o.options
	o.mu.Unlock()
	return q.Fetch(&opts, fo)
}

func (o *Observer) onQueryUpdate() {
	o.updateResult()
	if o.HasListeners() {
		o.updateTimers()
	}
}

// updateResult recomputes the result and queues its notification. The notification
// is queued under o.mu inside a batch, so listeners see results in the order they
// were computed.
func (o *Observer) updateResult() {
	o.cache.notify.Batch(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		q := o.query
		if q == nil {
			return
		}
		prev, had := o.result, o.hasResult
		next, state := o.createResultLocked(q, o.options, false)
		if state.Data != nil {
			o.lastQueryWithData = q
		}

		changed := ChangedProps(prev, next)
		if had && len(changed) == 0 {
			return
		}
		o.result = next
		o.hasResult = true
		notify := !had || o.shouldNotifyLocked(changed)
		subs := slices.Clone(o.subs)

		o.cache.notify.Schedule(func() {
			if notify {
				for _, s := range subs {
					s.listener(next)
				}
			}
			o.cache.emit(Event{Type: EventObserverResultsUpdated, Query: q, Observer: o})
		})
	})
}

func (o *Observer) shouldNotifyLocked(changed []Prop) bool {
	props := o.options.NotifyOnChangeProps
	if slices.Contains(props, PropAll) {
		return true
	}
	if props == nil && len(o.trackedProps) == 0 {
		return true
	}

	included := make(map[Prop]struct{})
	if props != nil {
		for _, p := range props {
			included[p] = struct{}{}
		}
	} else {
		for p := range o.trackedProps {
			included[p] = struct{}{}
		}
	}
	if o.options.ThrowOnError {
		included[PropError] = struct{}{}
	}

	for _, p := range changed {
		if _, ok := included[p]; ok {
			return true
		}
	}
	return false
}

// createResultLocked derives the result of opts against q. It returns the query
// state the result was computed from.
func (o *Observer) createResultLocked(q *Query, opts Options, optimistic bool) (Result, State) {
	prevResult, hadResult := o.result, o.hasResult
	initial := o.queryInitialState
	state := q.State()
	if q != o.query {
		initial = state
	}
	now := time.Now()

	newState := state
	if optimistic {
		mounted := len(o.subs) > 0
		fetchOnMount := !mounted && shouldFetchOnMount(q, state, opts)
		fetchOptionally := mounted && shouldFetchOptionally(q, state, o.query, opts, o.options)
		if fetchOnMount || fetchOptionally {
			newState = fetchState(state, canFetch(opts, o.cache.online))
		}
	}

	status := newState.Status
	resultErr := newState.Error
	errorUpdatedAt := newState.ErrorUpdatedAt
	data := newState.Data
	isPlaceholder := false
	skipSelect := false

	if opts.PlaceholderData != nil && data == nil && status == StatusPending {
		var placeholder any
		if hadResult && prevResult.IsPlaceholderData && o.placeholderGen == o.optionsGen {
			placeholder = prevResult.Data
			skipSelect = true
		} else {
			var prevData any
			if o.lastQueryWithData != nil {
				prevData = o.lastQueryWithData.State().Data
			}
			placeholder = opts.PlaceholderData(prevData)
			o.placeholderGen = o.optionsGen
		}
		if placeholder != nil {
			status = StatusSuccess
			data = opts.replaceData(prevResult.Data, placeholder)
			isPlaceholder = true
		}
	}

	selectFailed := false
	if opts.Select != nil && data != nil && !skipSelect {
		if o.selectValid && o.selectGen == o.optionsGen && structural.Identical(data, o.selectSource) {
			selectFailed = o.selectErr != nil
			data = o.selectResult
		} else {
			o.selectValid = true
			o.selectGen = o.optionsGen
			o.selectSource = data
			selected, err := runSelect(opts.Select, data)
			if err != nil {
				o.selectErr = err
				o.selectErrAt = now
				selectFailed = true
				o.logger.Warn("Select failed", "query_hash", q.Hash(), "error", err)
			} else {
				o.selectErr = nil
				selected = opts.replaceData(prevResult.Data, selected)
				o.selectResult = selected
				data = selected
			}
		}
	}
	if selectFailed {
		resultErr = o.selectErr
		errorUpdatedAt = o.selectErrAt
		data = o.selectResult
		status = StatusError
	}

	res := buildResult(newState, data, status, resultErr, errorUpdatedAt, initial)
	res.IsPlaceholderData = isPlaceholder
	res.IsStale = isStale(q, state, opts, now)
	res.IsEnabled = opts.IsEnabled(q)
	return res, state
}

func runSelect(fn func(any) (any, error), data any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panicked: %v", p)
		}
		if err != nil {
			err = errs.WrapInvalid(fmt.Errorf("%w: %w", errs.ErrSelectFailed, err), "Observer", "Select", "transform data")
		}
	}()
	return fn(data)
}

func (o *Observer) shouldFetchOnWindowFocus() bool {
	o.mu.Lock()
	q, opts := o.query, o.options
	o.mu.Unlock()
	if q == nil {
		return false
	}
	return shouldFetchOn(q, q.State(), opts, opts.RefetchOnWindowFocus)
}

func (o *Observer) shouldFetchOnReconnect() bool {
	o.mu.Lock()
	q, opts := o.query, o.options
	o.mu.Unlock()
	if q == nil {
		return false
	}
	return shouldFetchOn(q, q.State(), opts, opts.RefetchOnReconnect)
}

func (o *Observer) updateTimers() {
	o.updateStaleTimeout()
	o.updateRefetchInterval(o.computeRefetchInterval())
}

func (o *Observer) computeRefetchInterval() time.Duration {
	return o.Options().RefetchInterval
}

// updateStaleTimeout arms a timer that recomputes the result when the data turns
// stale, so listeners tracking IsStale are told.
func (o *Observer) updateStaleTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearStaleTimeoutLocked()

	staleTime := o.options.staleTime()
	if o.cache.serverMode || o.result.IsStale || staleTime == Infinity {
		return
	}
	until := time.Until(o.result.DataUpdatedAt.Add(staleTime))
	if until < 0 {
		until = 0
	}
	o.staleTimer = time.AfterFunc(until+time.Millisecond, func() {
		if !o.GetCurrentResult().IsStale {
			o.updateResult()
		}
	})
}

func (o *Observer) updateRefetchInterval(next time.Duration) {
	o.mu.Lock()
	q, opts := o.query, o.options
	o.mu.Unlock()
	enabled := q != nil && opts.IsEnabled(q)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearRefetchIntervalLocked()
	o.currentInterval = next
	if o.cache.serverMode || !enabled || next <= 0 || next == Infinity {
		return
	}

	stop := make(chan struct{})
	o.intervalStop = stop
	go func() {
		ticker := time.NewTicker(next)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if o.Options().RefetchIntervalInBackground || o.cache.isFocused() {
					o.executeFetch(FetchOptions{})
				}
			}
		}
	}()
}

func (o *Observer) clearStaleTimeoutLocked() {
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
}

func (o *Observer) clearRefetchIntervalLocked() {
	if o.intervalStop != nil {
		close(o.intervalStop)
		o.intervalStop = nil
	}
}

func isStale(q *Query, s State, opts Options, now time.Time) bool {
	return opts.IsEnabled(q) && isStaleByTime(s, opts.staleTime(), now)
}

func shouldLoadOnMount(q *Query, s State, opts Options) bool {
	return opts.IsEnabled(q) &&
		s.Data == nil &&
		!(s.Status == StatusError && opts.NoRetryOnMount)
}

func shouldFetchOn(q *Query, s State, opts Options, trigger Trigger) bool {
	if !opts.IsEnabled(q) {
		return false
	}
	switch trigger.resolve() {
	case TriggerAlways:
		return true
	case TriggerNever:
		return false
	default:
		return isStale(q, s, opts, time.Now())
	}
}

func shouldFetchOnMount(q *Query, s State, opts Options) bool {
	return shouldLoadOnMount(q, s, opts) ||
		(s.Data != nil && shouldFetchOn(q, s, opts, opts.RefetchOnMount))
}

func shouldFetchOptionally(q *Query, s State, prevQuery *Query, opts, prevOpts Options) bool {
	return (q != prevQuery || !prevOpts.IsEnabled(q)) && isStale(q, s, opts, time.Now())
}
