package query

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	errs "github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/pkg/structural"
)

// FetchOptions controls a single fetch.
type FetchOptions struct {
	// CancelRefetch cancels an in-flight fetch of a query that already has data and
	// starts over. Without it the caller joins the in-flight fetch.
	CancelRefetch bool
	Meta          map[string]any
}

// Fetch starts a fetch, or joins the one in flight. opts, when non-nil, replaces the
// query options; they must already be defaulted. The returned promise settles with the
// stored data or the terminal error. Cancellation rejects with *retry.CancelledError
// unless the query keeps data to resolve with.
func (q *Query) Fetch(opts *Options, fo FetchOptions) *retry.Promise[any] {
	var fallback Func
	if opts == nil || opts.QueryFn == nil {
		fallback = q.observerQueryFn()
	}
	var p *retry.Promise[any]
	q.withLock(func() {
		p = q.fetchLocked(opts, fo, fallback)
	})
	return p
}

func (q *Query) observerQueryFn() Func {
	for _, o := range q.Observers() {
		if fn := o.Options().QueryFn; fn != nil {
			return fn
		}
	}
	return nil
}

func (q *Query) fetchLocked(opts *Options, fo FetchOptions, fallback Func) *retry.Promise[any] {
	if q.state.FetchStatus != FetchStatusIdle && q.promise != nil && q.retryer != nil {
		_, prevErr := q.retryer.Promise().Result()
		if ce, cancelled := retry.AsCancelled(prevErr); cancelled && !ce.Silent {
			// Cancelled but not yet settled: apply the cancellation now and start over.
			q.applyCancelLocked(ce)
		} else if q.state.Data != nil && fo.CancelRefetch {
			q.retryer.Cancel(retry.CancelOptions{Silent: true})
		} else {
			// An unmounted observer may have stopped retries; joining resumes them.
			q.retryer.ContinueRetry()
			return q.promise
		}
	}

	if opts != nil {
		q.setOptionsLocked(*opts)
	}
	options := q.options
	fn := options.QueryFn
	if fn == nil {
		fn = fallback
	}

	revert := q.state
	q.revertState = &revert

	used := &atomic.Bool{}
	fc := FunctionContext{
		QueryKey:  keyhash.Clone(q.key),
		Meta:      options.Meta,
		FetchMeta: fo.Meta,
	}
	hash := q.hash
	work := func(ctx context.Context) (any, error) {
		if fn == nil {
			return nil, retry.NonRetryable(errs.WrapInvalid(
				fmt.Errorf("%w: %s", errs.ErrMissingQueryFn, hash),
				"Query", "Fetch", "resolve query function"))
		}
		return fn(&signalContext{Context: ctx, used: used}, fc)
	}

	if q.state.FetchStatus == FetchStatusIdle || !structural.Identical(q.state.FetchMeta, fo.Meta) {
		q.dispatchLocked(Action{
			Type:     ActionFetch,
			Meta:     fo.Meta,
			CanFetch: canFetch(options, q.cache.online),
		})
	}

	var r *retry.Retryer[any]
	r = retry.New(retry.Options[any]{
		Fn:          work,
		Context:     slogcontext.NewCtx(context.Background(), q.logger),
		Retry:       options.Retry,
		RetryDelay:  options.RetryDelay,
		NetworkMode: options.NetworkMode,
		Online:      q.cache.online,
		Focus:       q.cache.focus,
		OnFail: func(failureCount int, err error) {
			q.cache.metrics.recordRetry()
			q.logger.Debug("Query attempt failed, retrying", "failure_count", failureCount, "error", err)
			q.dispatchFor(r, Action{Type: ActionFailed, FailureCount: failureCount, Error: err})
		},
		OnPause: func() {
			q.dispatchFor(r, Action{Type: ActionPause})
		},
		OnContinue: func() {
			q.dispatchFor(r, Action{Type: ActionContinue})
		},
	})

	p := retry.NewPromise[any]()
	q.retryer = r
	q.promise = p
	q.signalUsed = used

	r.Start()
	go q.settle(r, p, time.Now())
	return p
}

// settle waits for r and folds its outcome into the query state before settling p.
func (q *Query) settle(r *retry.Retryer[any], p *retry.Promise[any], started time.Time) {
	data, err := r.Promise().Wait(context.Background())
	if err == nil && data == nil {
		err = errs.WrapInvalid(fmt.Errorf("%w: %s", errs.ErrUndefinedData, q.hash),
			"Query", "Fetch", "validate data")
	}

	switch ce, cancelled := retry.AsCancelled(err); {
	case err == nil:
		q.succeed(r, p, data, started)
	case cancelled:
		q.cancelled(r, p, ce)
	default:
		q.fail(r, p, err, started)
	}
}

func (q *Query) succeed(r *retry.Retryer[any], p *retry.Promise[any], data any, started time.Time) {
	stored := data
	q.withLock(func() {
		if q.retryer != r {
			return
		}
		stored = q.setDataLocked(data, time.Time{}, false)
		q.revertState = nil
	})

	q.cache.metrics.recordFetch("success", time.Since(started))
	q.logger.Debug("Query fetched", "duration", time.Since(started))
	q.cache.onSuccess(stored, q)
	p.Resolve(stored)
	q.scheduleGC()
}

func (q *Query) fail(r *retry.Retryer[any], p *retry.Promise[any], err error, started time.Time) {
	var failures int
	q.withLock(func() {
		if q.retryer != r {
			return
		}
		q.dispatchLocked(Action{Type: ActionError, Error: err})
		q.revertState = nil
		failures = q.state.FetchFailureCount
	})

	q.cache.metrics.recordFetch("error", time.Since(started))
	q.logger.Warn("Query fetch failed", "failure_count", failures, "class", errs.Classify(err), "error", err)
	q.cache.onError(err, q)
	p.Reject(err)
	q.scheduleGC()
}

func (q *Query) cancelled(r *retry.Retryer[any], p *retry.Promise[any], ce *retry.CancelledError) {
	q.cache.metrics.recordCancel()

	if ce.Silent {
		// Superseded: the caller gets the outcome of the fetch that replaced this one.
		q.mu.Lock()
		next := q.promise
		q.mu.Unlock()
		if next != nil && next != p {
			go func() {
				v, err := next.Wait(context.Background())
				p.Settle(v, err)
			}()
			return
		}
		p.Reject(ce)
		return
	}

	var data any
	q.withLock(func() {
		if q.retryer == r {
			q.applyCancelLocked(ce)
		}
		data = q.state.Data
	})
	q.logger.Debug("Query fetch cancelled", "revert", ce.Revert)

	if data != nil {
		p.Resolve(data)
	} else {
		p.Reject(ce)
	}
	q.scheduleGC()
}

// applyCancelLocked idles the query, restoring the pre-fetch state when ce asks for
// a revert.
func (q *Query) applyCancelLocked(ce *retry.CancelledError) {
	next := q.state
	if ce.Revert && q.revertState != nil {
		next = *q.revertState
	}
	next.FetchStatus = FetchStatusIdle
	q.revertState = nil
	q.dispatchLocked(Action{Type: ActionSetState, State: next})
}
