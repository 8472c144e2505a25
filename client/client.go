package client

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/notify"
	"github.com/c360/querystate/query"
	"github.com/c360/querystate/signal"
)

// DefaultOptions are client-wide defaults. They rank below key defaults and
// per-call options.
type DefaultOptions struct {
	Queries   query.Options
	Mutations mutation.Options
}

// Option configures a Client.
type Option func(*Client)

// WithQueryCache uses an existing query cache.
func WithQueryCache(c *query.Cache) Option {
	return func(cl *Client) {
		cl.queries = c
	}
}

// WithMutationCache uses an existing mutation cache.
func WithMutationCache(c *mutation.Cache) Option {
	return func(cl *Client) {
		cl.mutations = c
	}
}

// WithFocusManager injects the focus signal.
func WithFocusManager(f *signal.FocusManager) Option {
	return func(cl *Client) {
		cl.focus = f
	}
}

// WithOnlineManager injects the connectivity signal.
func WithOnlineManager(o *signal.OnlineManager) Option {
	return func(cl *Client) {
		cl.online = o
	}
}

// WithDefaultOptions sets the client-wide defaults.
func WithDefaultOptions(d DefaultOptions) Option {
	return func(cl *Client) {
		cl.defaults = d
	}
}

// WithLogger sets the logger for the client and the caches it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithMetrics exports client and cache metrics. prefix labels the caches' metrics.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(cl *Client) {
		cl.metricsReg = registry
		cl.metricsPrefix = prefix
	}
}

// WithServerMode disables garbage collection and query retries by default.
func WithServerMode(enabled bool) Option {
	return func(cl *Client) {
		cl.serverMode = enabled
	}
}

type queryDefaults struct {
	key  keyhash.Key
	opts query.Options
}

type mutationDefaults struct {
	key  keyhash.Key
	opts mutation.Options
}

// Client is the imperative entry point over a query cache and a mutation cache.
type Client struct {
	queries       *query.Cache
	mutations     *mutation.Cache
	focus         *signal.FocusManager
	online        *signal.OnlineManager
	logger        *slog.Logger
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	metrics       *metric.Metrics
	serverMode    bool
	defaults      DefaultOptions

	dmu              sync.RWMutex
	queryDefaults    []queryDefaults
	mutationDefaults []mutationDefaults

	mountMu     sync.Mutex
	mountCount  int
	unsubFocus  func()
	unsubOnline func()
}

// New creates a Client. Caches and signal managers not injected are created with a
// shared notification manager.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.focus == nil {
		c.focus = signal.NewFocusManager(signal.WithLogger(c.logger), signal.WithMetrics(c.metricsReg))
	}
	if c.online == nil {
		c.online = signal.NewOnlineManager(signal.WithLogger(c.logger), signal.WithMetrics(c.metricsReg))
	}
	if c.metricsReg != nil {
		c.metrics = c.metricsReg.CoreMetrics()
	}

	nm := notify.New()
	if c.queries == nil {
		qc, err := query.NewCache(
			query.WithNotifyManager(nm),
			query.WithOnline(c.online),
			query.WithFocus(c.focus),
			query.WithLogger(c.logger),
			query.WithMetrics(c.metricsReg, c.metricsPrefix),
			query.WithServerMode(c.serverMode),
		)
		if err != nil {
			return nil, errors.WrapTransient(err, "Client", "New", "create query cache")
		}
		c.queries = qc
	} else {
		nm = c.queries.NotifyManager()
	}
	if c.mutations == nil {
		mc, err := mutation.NewCache(
			mutation.WithNotifyManager(nm),
			mutation.WithOnline(c.online),
			mutation.WithFocus(c.focus),
			mutation.WithLogger(c.logger),
			mutation.WithMetrics(c.metricsReg, c.metricsPrefix),
			mutation.WithServerMode(c.serverMode),
		)
		if err != nil {
			return nil, errors.WrapTransient(err, "Client", "New", "create mutation cache")
		}
		c.mutations = mc
	}
	c.logger = c.logger.With("component", "query-client")
	return c, nil
}

// QueryCache returns the query cache.
func (c *Client) QueryCache() *query.Cache {
	return c.queries
}

// MutationCache returns the mutation cache.
func (c *Client) MutationCache() *mutation.Cache {
	return c.mutations
}

// FocusManager returns the focus signal.
func (c *Client) FocusManager() *signal.FocusManager {
	return c.focus
}

// OnlineManager returns the connectivity signal.
func (c *Client) OnlineManager() *signal.OnlineManager {
	return c.online
}

// Metrics returns the core metrics, or nil when the client was built without a
// registry.
func (c *Client) Metrics() *metric.Metrics {
	return c.metrics
}

// Mount subscribes the client to focus and connectivity changes. Regaining either
// resumes paused mutations and then lets queries refetch. Mount calls nest; only the
// first one subscribes.
func (c *Client) Mount() {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	c.mountCount++
	if c.mountCount != 1 {
		return
	}
	c.unsubFocus = c.focus.Subscribe(func(focused bool) {
		if focused {
			go c.resumeThen(c.queries.OnFocus)
		}
	})
	c.unsubOnline = c.online.Subscribe(func(online bool) {
		if online {
			go c.resumeThen(c.queries.OnOnline)
		}
	})
	if c.metrics != nil {
		c.metrics.ClientsMounted.Inc()
	}
	c.logger.Info("Client mounted")
}

// Unmount reverses one Mount. The last one unsubscribes.
func (c *Client) Unmount() {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.mountCount == 0 {
		return
	}
	c.mountCount--
	if c.mountCount != 0 {
		return
	}
	c.unsubFocus()
	c.unsubOnline()
	c.unsubFocus, c.unsubOnline = nil, nil
	if c.metrics != nil {
		c.metrics.ClientsMounted.Dec()
	}
	c.logger.Info("Client unmounted")
}

func (c *Client) resumeThen(fn func()) {
	if err := c.mutations.ResumePausedMutations(context.Background()); err != nil {
		c.logger.Warn("Resuming paused mutations failed", "error", err)
	}
	fn()
}

// Clear empties both caches.
func (c *Client) Clear() {
	c.queries.Clear()
	c.mutations.Clear()
}

// SetQueryDefaults registers defaults for every query whose key starts with key.
// Registering the same key again replaces its defaults in place.
func (c *Client) SetQueryDefaults(key keyhash.Key, opts query.Options) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	idx := slices.IndexFunc(c.queryDefaults, func(d queryDefaults) bool {
		return keyhash.Equal(d.key, key)
	})
	if idx >= 0 {
		c.queryDefaults[idx].opts = opts
		return
	}
	c.queryDefaults = append(c.queryDefaults, queryDefaults{key: keyhash.Clone(key), opts: opts})
}

// GetQueryDefaults merges, in registration order, the defaults of every registered
// key that is a prefix of key.
func (c *Client) GetQueryDefaults(key keyhash.Key) query.Options {
	c.dmu.RLock()
	defer c.dmu.RUnlock()
	var out query.Options
	for _, d := range c.queryDefaults {
		if keyhash.PartialMatch(key, d.key) {
			out = out.Merge(d.opts)
		}
	}
	return out
}

// SetMutationDefaults registers defaults for every mutation whose key starts with key.
func (c *Client) SetMutationDefaults(key keyhash.Key, opts mutation.Options) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	idx := slices.IndexFunc(c.mutationDefaults, func(d mutationDefaults) bool {
		return keyhash.Equal(d.key, key)
	})
	if idx >= 0 {
		c.mutationDefaults[idx].opts = opts
		return
	}
	c.mutationDefaults = append(c.mutationDefaults, mutationDefaults{key: keyhash.Clone(key), opts: opts})
}

// GetMutationDefaults merges the defaults of every registered prefix of key.
func (c *Client) GetMutationDefaults(key keyhash.Key) mutation.Options {
	c.dmu.RLock()
	defer c.dmu.RUnlock()
	var out mutation.Options
	for _, d := range c.mutationDefaults {
		if keyhash.PartialMatch(key, d.key) {
			out = out.Merge(d.opts)
		}
	}
	return out
}

// DefaultQueryOptions resolves opts against client defaults, key defaults and the
// environment defaults, in increasing order of precedence up to opts itself.
func (c *Client) DefaultQueryOptions(opts query.Options) (query.Options, error) {
	return c.queries.DefaultQueryOptions(c.mergeQueryOptions(opts))
}

func (c *Client) mergeQueryOptions(opts query.Options) query.Options {
	return c.defaults.Queries.Merge(c.GetQueryDefaults(opts.QueryKey)).Merge(opts)
}

// DefaultMutationOptions resolves opts like DefaultQueryOptions does for queries.
func (c *Client) DefaultMutationOptions(opts mutation.Options) mutation.Options {
	merged := c.defaults.Mutations
	if opts.MutationKey != nil {
		merged = merged.Merge(c.GetMutationDefaults(opts.MutationKey))
	}
	return c.mutations.DefaultMutationOptions(merged.Merge(opts))
}
