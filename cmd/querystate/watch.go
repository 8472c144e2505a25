package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/querystate/client"
	"github.com/c360/querystate/config"
	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/health"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/natsclient"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/worker"
	"github.com/c360/querystate/query"
)

// sources builds work functions for configured queries. A nil field disables that
// source.
type sources struct {
	nats natsclient.Requester
	http interface {
		QueryFunc(target string) query.Func
	}
}

func (s sources) queryFn(q config.QueryConfig) (query.Func, error) {
	switch q.Source {
	case config.SourceNATS:
		if s.nats == nil {
			return nil, fmt.Errorf("%w: nats source not configured", errors.ErrMissingConfig)
		}
		return natsclient.RequestFunc(s.nats, q.Target), nil
	case config.SourceHTTP:
		if s.http == nil {
			return nil, fmt.Errorf("%w: http source not configured", errors.ErrMissingConfig)
		}
		return s.http.QueryFunc(q.Target), nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", errors.ErrInvalidConfig, q.Source)
	}
}

// queryOptions maps a watched query onto observer options.
func (s sources) queryOptions(q config.QueryConfig) (query.Options, error) {
	fn, err := s.queryFn(q)
	if err != nil {
		return query.Options{}, err
	}
	return query.Options{
		QueryKey:        keyhash.Key(q.Key),
		QueryFn:         fn,
		Enabled:         q.Enabled,
		StaleTime:       q.StaleTime.Ptr(),
		RefetchInterval: q.RefetchInterval.Std(),
		Meta:            map[string]any{"source": q.Source, "target": q.Target},
	}, nil
}

// watcher keeps one subscribed observer per configured query, logs their result
// transitions and reports failing queries as degraded.
type watcher struct {
	qc      *client.Client
	sources sources
	monitor *health.Monitor
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]func()
}

func newWatcher(qc *client.Client, src sources, monitor *health.Monitor, logger *slog.Logger) *watcher {
	return &watcher{
		qc:      qc,
		sources: src,
		monitor: monitor,
		logger:  logger.With("component", "watcher"),
		active:  make(map[string]func()),
	}
}

// apply replaces the watched set with queries. Every observer is recreated so option
// changes take effect; cached data survives because the cache keeps the entries.
func (w *watcher) apply(queries []config.QueryConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	var errs []error
	for _, q := range queries {
		opts, err := w.sources.queryOptions(q)
		if err != nil {
			errs = append(errs, errors.WrapInvalid(err, "watcher", "apply", fmt.Sprintf("watch %v", q.Key)))
			continue
		}
		hash, err := keyhash.Hash(opts.QueryKey)
		if err != nil {
			errs = append(errs, errors.WrapInvalid(err, "watcher", "apply", "hash key"))
			continue
		}
		_, unsubscribe, err := w.qc.Subscribe(opts, w.listener(hash, opts.QueryKey))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w.active[hash] = unsubscribe
	}
	w.logger.Info("Watching queries", "count", len(w.active))
	if len(errs) > 0 {
		return fmt.Errorf("watch queries: %w", stderrors.Join(errs...))
	}
	return nil
}

func componentName(hash string) string {
	return "query " + hash
}

func (w *watcher) listener(hash string, key keyhash.Key) query.ResultListener {
	name := componentName(hash)
	var (
		mu          sync.Mutex
		status      query.Status
		fetchStatus query.FetchStatus
	)
	logger := w.logger.With("query_key", key)
	return func(r query.Result) {
		mu.Lock()
		changed := r.Status != status || r.FetchStatus != fetchStatus
		status, fetchStatus = r.Status, r.FetchStatus
		mu.Unlock()
		if !changed {
			return
		}
		switch {
		case r.IsError:
			w.monitor.Update(name, health.FromError(name, health.StateDegraded, r.Error))
			logger.Warn("Query failed", "status", r.Status, "fetch_status", r.FetchStatus,
				"failure_count", r.FailureCount, "error", r.Error)
		case r.IsPaused:
			logger.Info("Query paused until online", "status", r.Status)
		default:
			if r.IsSuccess {
				w.monitor.UpdateHealthy(name, "ok")
			}
			logger.Debug("Query updated", "status", r.Status, "fetch_status", r.FetchStatus,
				"data_updated_at", r.DataUpdatedAt, "stale", r.IsStale)
		}
	}
}

// watched returns the hashes of the watched queries.
func (w *watcher) watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for h := range w.active {
		out = append(out, h)
	}
	return out
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *watcher) stopLocked() {
	for hash, stop := range w.active {
		stop()
		delete(w.active, hash)
		w.monitor.Remove(componentName(hash))
	}
}

// invalidateRequest is the payload of an invalidation message. An empty key
// invalidates every query.
type invalidateRequest struct {
	Key   keyhash.Key `json:"key"`
	Exact bool        `json:"exact,omitempty"`
}

// invalidator applies invalidation messages on a worker pool so refetches do not hold
// the NATS dispatcher.
type invalidator struct {
	qc     *client.Client
	pool   *worker.Pool[invalidateRequest]
	logger *slog.Logger
}

func newInvalidator(qc *client.Client, registry *metric.MetricsRegistry, logger *slog.Logger) (*invalidator, error) {
	inv := &invalidator{qc: qc, logger: logger.With("component", "invalidator")}
	pool, err := worker.NewPool("invalidations", worker.DefaultWorkers, worker.DefaultQueueSize, inv.invalidate,
		worker.WithMetrics[invalidateRequest](registry),
		worker.WithLogger[invalidateRequest](inv.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create invalidation pool: %w", err)
	}
	inv.pool = pool
	return inv, nil
}

func (inv *invalidator) start(ctx context.Context) error {
	return inv.pool.Start(ctx)
}

func (inv *invalidator) stop(timeout time.Duration) error {
	return inv.pool.Stop(timeout)
}

// handle decodes one message and queues it. Malformed messages and a full queue are
// logged and dropped.
func (inv *invalidator) handle(_ context.Context, data []byte) {
	var req invalidateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		inv.logger.Warn("Ignoring malformed invalidation", "error", err)
		return
	}
	if err := inv.pool.Submit(req); err != nil {
		inv.logger.Warn("Invalidation dropped", "query_key", req.Key, "error", err)
	}
}

// invalidate marks the matching queries stale and refetches the active ones.
func (inv *invalidator) invalidate(ctx context.Context, req invalidateRequest) error {
	filters := client.InvalidateFilters{Filters: query.Filters{QueryKey: req.Key, Exact: req.Exact}}
	if err := inv.qc.InvalidateQueries(ctx, filters, query.RefetchOptions{}); err != nil {
		inv.logger.Warn("Invalidation refetch failed", "query_key", req.Key, "error", err)
		return err
	}
	inv.logger.Debug("Queries invalidated", "query_key", req.Key, "exact", req.Exact)
	return nil
}
