// Package querystate manages asynchronous server state: a concurrent, key-addressed
// query cache with observer-driven fetch, staleness, refetch and garbage collection, and
// a mutation cache with retry, offline pause/resume and scope-serialized execution.
//
// The root package holds no code. Consumers import the packages below.
//
// # Layout
//
// Core:
//   - client: imperative API (Subscribe, FetchQuery, SetQueryData, InvalidateQueries,
//     MutateAsync, ...) over one query cache and one mutation cache
//   - query: query entries, the query cache, observers and the garbage collector
//   - mutation: mutation entries, the mutation cache, scopes and mutation observers
//   - hydration: dehydrate a client to a JSON-friendly snapshot and hydrate it back
//   - signal: focus and online managers fed by injectable event sources
//
// Building blocks (pkg/):
//   - keyhash: canonical hashing of query keys and per-segment prefix matching
//   - structural: structural sharing between previous and next data
//   - notify: batched, ordered listener notification
//   - retry: the fetch retryer with pause/continue, cancellation and backoff policies
//
// Infrastructure:
//   - errors: classified errors (transient, invalid, fatal) and domain sentinels
//   - metric: Prometheus registry wrapper and the /metrics and /health server
//   - health: component health statuses and the monitor behind /health
//   - config: layered JSON/YAML/TOML configuration with environment overrides
//   - natsclient: NATS connectivity, online signal and request/reply work functions
//   - fetcher: rate-limited HTTP work functions
//   - cmd/querystate: daemon that watches configured queries and snapshots the cache
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           client.Client             │  Options precedence,
//	│   (queries, mutations, defaults)    │  focus/online wiring
//	└─────────────────────────────────────┘
//	      ↓ observers            ↓ mutate
//	┌──────────────────┐  ┌──────────────────┐
//	│   query.Cache    │  │  mutation.Cache  │  Entries keyed by hash,
//	│ entries, GC      │  │ scopes, paused   │  listener batching
//	└──────────────────┘  └──────────────────┘
//	      ↓ fetch                ↓ execute
//	┌─────────────────────────────────────┐
//	│           retry.Retryer             │  Backoff, pause while
//	│  (work functions: HTTP, NATS, ...)  │  offline, cancellation
//	└─────────────────────────────────────┘
//
// At most one fetch is in flight per query. Cancelled fetches never record an error.
// An entry with no observers is evicted after its GC time.
//
// # Quick start
//
//	qc, err := client.New(client.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	qc.Mount()
//	defer qc.Unmount()
//
//	_, unsubscribe, err := qc.Subscribe(query.Options{
//	    QueryKey: keyhash.Key{"todos", 1},
//	    QueryFn:  httpFetcher.QueryFunc("/todos/1"),
//	}, func(r query.Result) {
//	    logger.Info("todo", "status", r.Status, "data", r.Data)
//	})
//	if err != nil {
//	    return err
//	}
//	defer unsubscribe()
//
// See the package docs of client, query and mutation for the full lifecycle.
package querystate
