// Package query implements the query cache, query entries and query observers.
//
// # Overview
//
// A Query is a cache entry addressed by the canonical hash of its key. It owns the
// cached State, runs at most one fetch at a time through a retry.Retryer and notifies
// its observers of every state transition. An Observer watches one query for a
// consumer: it fetches on mount, on window focus, on reconnect and on an interval,
// derives a Result (optionally projected with Select) and calls its listeners when a
// field they care about changed.
//
//	cache, _ := query.NewCache(query.WithOnline(online), query.WithFocus(focus))
//	obs, _ := query.NewObserver(cache, nil, query.Options{
//	    QueryKey: keyhash.Key{"todos", map[string]any{"page": 1}},
//	    QueryFn: func(ctx context.Context, fc query.FunctionContext) (any, error) {
//	        return fetchTodos(ctx, 1)
//	    },
//	    StaleTime: query.Duration(30 * time.Second),
//	})
//	unsubscribe := obs.Subscribe(func(r query.Result) {
//	    log.Println(r.Status, r.Data)
//	})
//	defer unsubscribe()
//
// # State transitions
//
// A fetch moves the query to fetching (paused while offline); a query without data
// goes back to pending. Success stores the data, structurally shared with the previous
// value, and resets failure bookkeeping. A terminal error sets status error and keeps
// the last data. Cancellation is never an error: CancelQueries restores the state
// captured before the fetch, and a fetch superseded by a newer one hands its callers
// the newer result.
//
// # Concurrency
//
// Queries and observers each own a mutex. State changes happen under the query lock
// inside a notify.Manager batch; observer updates and cache events are flushed after
// the lock is released, in order. Work functions and backoff waits run on the
// retryer's goroutine, so Fetch never blocks; wait on the returned promise instead.
//
// # Garbage collection
//
// A query without observers is removed after its GCTime (5 minutes by default, the
// longest time any observer configured). Attaching an observer before then keeps
// the entry and its data.
package query
