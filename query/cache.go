package query

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/pkg/notify"
	"github.com/c360/querystate/pkg/retry"
)

// Config holds cache-level callbacks. They run after the query state was updated and
// outside any lock.
type Config struct {
	OnError   func(err error, q *Query)
	OnSuccess func(data any, q *Query)
	OnSettled func(data any, err error, q *Query)
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfig sets the cache-level callbacks.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.config = cfg
	}
}

// WithNotifyManager shares a notification manager, typically with a mutation cache.
func WithNotifyManager(m *notify.Manager) Option {
	return func(c *Cache) {
		if m != nil {
			c.notify = m
		}
	}
}

// WithOnline sets the connectivity source used for network-mode gating.
func WithOnline(online retry.OnlineChecker) Option {
	return func(c *Cache) {
		c.online = online
	}
}

// WithFocus sets the focus source; retries pause while unfocused.
func WithFocus(focus retry.FocusChecker) Option {
	return func(c *Cache) {
		c.focus = focus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports cache metrics with prefix as the component label. If registry is
// nil, this option is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(c *Cache) {
		if registry != nil && prefix != "" {
			c.metricsReg = registry
			c.metricsPrefix = prefix
		}
	}
}

// WithServerMode disables collection and retries by default, for one-shot rendering
// processes.
func WithServerMode(enabled bool) Option {
	return func(c *Cache) {
		c.serverMode = enabled
	}
}

type cacheSubscription struct {
	id       uint64
	listener Listener
}

// Cache stores queries by hash.
type Cache struct {
	config        Config
	notify        *notify.Manager
	online        retry.OnlineChecker
	focus         retry.FocusChecker
	logger        *slog.Logger
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	metrics       *cacheMetrics
	serverMode    bool
	stats         Stats

	mu      sync.RWMutex
	queries map[string]*Query
	order   []*Query

	lmu       sync.Mutex
	listeners []cacheSubscription
	nextID    uint64
}

// NewCache creates an empty query cache.
func NewCache(opts ...Option) (*Cache, error) {
	c := &Cache{
		notify:  notify.New(),
		logger:  slog.Default(),
		queries: make(map[string]*Query),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "query-cache")

	if c.metricsReg != nil {
		m, err := newCacheMetrics(c.metricsReg, c.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Cache", "NewCache", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// NotifyManager returns the notification manager the cache batches through.
func (c *Cache) NotifyManager() *notify.Manager {
	return c.notify
}

// ServerMode reports whether server defaults apply.
func (c *Cache) ServerMode() bool {
	return c.serverMode
}

// Stats returns a snapshot of the operation counters.
func (c *Cache) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// DefaultQueryOptions fills in the environment defaults. It makes the cache usable
// as a Defaulter on its own.
func (c *Cache) DefaultQueryOptions(opts Options) (Options, error) {
	return withDefaults(opts, c.serverMode)
}

// Build returns the query for the options' hash, creating it with state when absent.
func (c *Cache) Build(opts Options, state *State) (*Query, error) {
	opts, err := withDefaults(opts, c.serverMode)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Cache", "Build", "hash query key")
	}

	c.mu.Lock()
	if q, ok := c.queries[opts.QueryHash]; ok {
		c.mu.Unlock()
		c.stats.hits.Add(1)
		return q, nil
	}
	q := newQuery(c, opts, state)
	c.queries[q.hash] = q
	c.order = append(c.order, q)
	n := len(c.order)
	c.mu.Unlock()

	c.stats.misses.Add(1)
	c.stats.builds.Add(1)
	c.metrics.setEntries(n)
	c.logger.Debug("Query added", "query_hash", q.hash)
	c.notifyEvent(Event{Type: EventAdded, Query: q})
	return q, nil
}

// Get returns the query with the given hash, or nil.
func (c *Cache) Get(hash string) *Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queries[hash]
}

// GetAll returns every query in insertion order.
func (c *Cache) GetAll() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Find returns the first query whose key equals filters.QueryKey and that matches
// the remaining filters.
func (c *Cache) Find(filters Filters) *Query {
	filters.Exact = true
	m := filters.compile()
	for _, q := range c.GetAll() {
		if m.match(q) {
			return q
		}
	}
	return nil
}

// FindAll returns every query matching filters.
func (c *Cache) FindAll(filters Filters) []*Query {
	var out []*Query
	m := filters.compile()
	for _, q := range c.GetAll() {
		if m.match(q) {
			out = append(out, q)
		}
	}
	return out
}

// Remove destroys q and deletes it from the cache. It is a no-op if q is not cached.
func (c *Cache) Remove(q *Query) {
	if !c.delete(q, false) {
		return
	}
	c.stats.removals.Add(1)
	c.logger.Debug("Query removed", "query_hash", q.hash)
	c.notifyEvent(Event{Type: EventRemoved, Query: q})
}

// removeIfUnused is the collection path: q is removed only if it still has no
// observers and no fetch in flight.
func (c *Cache) removeIfUnused(q *Query) {
	if !c.delete(q, true) {
		return
	}
	c.stats.evictions.Add(1)
	c.metrics.recordEviction()
	c.logger.Debug("Query garbage collected", "query_hash", q.hash)
	c.notifyEvent(Event{Type: EventRemoved, Query: q})
}

func (c *Cache) delete(q *Query, onlyUnused bool) bool {
	c.mu.Lock()
	existing, ok := c.queries[q.hash]
	if !ok || existing != q || (onlyUnused && !q.unused()) {
		c.mu.Unlock()
		return false
	}
	delete(c.queries, q.hash)
	if idx := slices.Index(c.order, q); idx >= 0 {
		c.order = slices.Delete(c.order, idx, idx+1)
	}
	n := len(c.order)
	c.mu.Unlock()

	q.destroy()
	c.metrics.setEntries(n)
	return true
}

// Clear removes every query.
func (c *Cache) Clear() {
	c.notify.Batch(func() {
		for _, q := range c.GetAll() {
			c.Remove(q)
		}
	})
}

// Subscribe registers l for cache events and returns a function that removes it.
func (c *Cache) Subscribe(l Listener) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, cacheSubscription{id: id, listener: l})
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			defer c.lmu.Unlock()
			c.listeners = slices.DeleteFunc(c.listeners, func(s cacheSubscription) bool {
				return s.id == id
			})
		})
	}
}

// HasListeners reports whether anyone subscribed to cache events.
func (c *Cache) HasListeners() bool {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	return len(c.listeners) > 0
}

// OnFocus lets every query refetch through the first observer that wants to on focus,
// and continues paused retries.
func (c *Cache) OnFocus() {
	c.notify.Batch(func() {
		for _, q := range c.GetAll() {
			q.onFocus()
		}
	})
}

// OnOnline is OnFocus for reconnects.
func (c *Cache) OnOnline() {
	c.notify.Batch(func() {
		for _, q := range c.GetAll() {
			q.onOnline()
		}
	})
}

func (c *Cache) isFocused() bool {
	return c.focus == nil || c.focus.IsFocused()
}

// emit delivers e to subscribers on the calling goroutine.
func (c *Cache) emit(e Event) {
	c.lmu.Lock()
	subs := slices.Clone(c.listeners)
	c.lmu.Unlock()
	for _, s := range subs {
		s.listener(e)
	}
}

// notifyEvent schedules e through the notification manager.
func (c *Cache) notifyEvent(e Event) {
	c.notify.Schedule(func() {
		c.emit(e)
	})
}

func (c *Cache) onSuccess(data any, q *Query) {
	if c.config.OnSuccess != nil {
		c.config.OnSuccess(data, q)
	}
	if c.config.OnSettled != nil {
		c.config.OnSettled(data, nil, q)
	}
}

func (c *Cache) onError(err error, q *Query) {
	if c.config.OnError != nil {
		c.config.OnError(err, q)
	}
	if c.config.OnSettled != nil {
		c.config.OnSettled(q.State().Data, err, q)
	}
}
