package mutation

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/pkg/notify"
	"github.com/c360/querystate/pkg/retry"
)

// Config holds cache-level callbacks. Each runs before the option-level callback of the
// same name.
type Config struct {
	OnMutate  func(variables any, m *Mutation)
	OnSuccess func(data, variables, mctx any, m *Mutation)
	OnError   func(err error, variables, mctx any, m *Mutation)
	OnSettled func(data any, err error, variables, mctx any, m *Mutation)
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfig sets the cache-level callbacks.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.config = cfg
	}
}

// WithNotifyManager shares a notification manager with the query cache.
func WithNotifyManager(m *notify.Manager) Option {
	return func(c *Cache) {
		if m != nil {
			c.notify = m
		}
	}
}

// WithOnline sets the connectivity source; offline mutations pause.
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

// WithServerMode keeps settled mutations forever by default.
func WithServerMode(enabled bool) Option {
	return func(c *Cache) {
		c.serverMode = enabled
	}
}

type cacheSubscription struct {
	id       uint64
	listener Listener
}

// Cache holds every mutation in submission order and one FIFO queue per scope.
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
	ids           atomic.Int64
	resume        singleflight.Group

	mu        sync.RWMutex
	mutations []*Mutation
	scopes    map[string][]*Mutation

	lmu       sync.Mutex
	listeners []cacheSubscription
	nextID    uint64
}

// NewCache creates an empty mutation cache.
func NewCache(opts ...Option) (*Cache, error) {
	c := &Cache{
		notify: notify.New(),
		logger: slog.Default(),
		scopes: make(map[string][]*Mutation),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("component", "mutation-cache")

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

// DefaultMutationOptions applies environment defaults. It lets the cache serve as a
// Defaulter on its own.
func (c *Cache) DefaultMutationOptions(opts Options) Options {
	return withDefaults(opts, c.serverMode)
}

// Build creates a mutation and adds it to the cache. A non-nil state restores a
// dehydrated mutation; a pending one takes its place in its scope queue immediately.
func (c *Cache) Build(opts Options, state *State) *Mutation {
	opts = withDefaults(opts, c.serverMode)
	m := newMutation(c, c.ids.Add(1), opts, state)

	c.mu.Lock()
	c.mutations = append(c.mutations, m)
	n := len(c.mutations)
	c.mu.Unlock()

	if state != nil && state.Status == StatusPending {
		c.enqueue(m)
	}
	c.metrics.setEntries(n)
	c.metrics.trackPaused(false, m.State().IsPaused)
	c.notifyEvent(Event{Type: EventAdded, Mutation: m})
	return m
}

// GetAll returns every mutation in submission order.
func (c *Cache) GetAll() []*Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.mutations)
}

func (c *Cache) contains(m *Mutation) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.mutations, m)
}

// Find returns the first mutation matching filters, with Exact key matching.
func (c *Cache) Find(filters Filters) *Mutation {
	filters.Exact = true
	compiled := filters.compile()
	for _, m := range c.GetAll() {
		if compiled.match(m) {
			return m
		}
	}
	return nil
}

// FindAll returns every mutation matching filters.
func (c *Cache) FindAll(filters Filters) []*Mutation {
	var out []*Mutation
	compiled := filters.compile()
	for _, m := range c.GetAll() {
		if compiled.match(m) {
			out = append(out, m)
		}
	}
	return out
}

// Remove deletes m from the cache and from its scope queue. A removed mutation that
// is still running completes, but no longer holds its scope.
func (c *Cache) Remove(m *Mutation) {
	c.delete(m, false)
}

func (c *Cache) removeIfUnused(m *Mutation) {
	c.delete(m, true)
}

func (c *Cache) delete(m *Mutation, onlyUnused bool) {
	c.mu.Lock()
	idx := slices.Index(c.mutations, m)
	if idx < 0 || (onlyUnused && !m.unused()) {
		c.mu.Unlock()
		return
	}
	c.mutations = slices.Delete(c.mutations, idx, idx+1)
	n := len(c.mutations)
	head := c.dequeueLocked(m)
	c.mu.Unlock()

	m.ClearGC()
	c.metrics.setEntries(n)
	c.metrics.trackPaused(m.State().IsPaused, false)
	c.logger.Debug("Mutation removed", "mutation_id", m.id)
	c.notifyEvent(Event{Type: EventRemoved, Mutation: m})
	if head != nil {
		head.Continue()
	}
}

// Clear removes every mutation.
func (c *Cache) Clear() {
	c.notify.Batch(func() {
		for _, m := range c.GetAll() {
			c.Remove(m)
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

// ResumePausedMutations continues every paused mutation in submission order and waits
// until those released settle. Mutations still blocked by their scope are released one
// by one as their predecessors finish. Concurrent calls share a single pass.
func (c *Cache) ResumePausedMutations(ctx context.Context) error {
	_, err, _ := c.resume.Do("resume", func() (any, error) {
		var promises []*retry.Promise[any]
		c.notify.Batch(func() {
			for _, m := range c.GetAll() {
				if m.State().IsPaused {
					promises = append(promises, m.Continue())
				}
			}
		})
		c.logger.Debug("Resuming paused mutations", "count", len(promises))
		for _, p := range promises {
			if _, err := p.Wait(ctx); err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, nil
	})
	return err
}

// canRun reports whether m is at the head of its scope queue. Unscoped mutations
// always run.
func (c *Cache) canRun(m *Mutation) bool {
	scope := scopeID(m.Options())
	if scope == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	queue := c.scopes[scope]
	return len(queue) == 0 || queue[0] == m
}

// enqueue appends m to its scope queue on submission.
func (c *Cache) enqueue(m *Mutation) {
	scope := scopeID(m.Options())
	if scope == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.scopes[scope], m) {
		c.scopes[scope] = append(c.scopes[scope], m)
	}
}

// runNext drops a settled mutation from its scope queue and wakes the next one.
func (c *Cache) runNext(m *Mutation) {
	c.mu.Lock()
	head := c.dequeueLocked(m)
	c.mu.Unlock()
	if head != nil {
		head.Continue()
	}
}

// dequeueLocked removes m from its scope queue and returns the new head when m was
// the head.
func (c *Cache) dequeueLocked(m *Mutation) *Mutation {
	scope := scopeID(m.Options())
	queue := c.scopes[scope]
	idx := slices.Index(queue, m)
	if scope == "" || idx < 0 {
		return nil
	}
	queue = slices.Delete(queue, idx, idx+1)
	if len(queue) == 0 {
		delete(c.scopes, scope)
		return nil
	}
	c.scopes[scope] = queue
	if idx == 0 {
		return queue[0]
	}
	return nil
}

func (c *Cache) emit(e Event) {
	c.lmu.Lock()
	subs := slices.Clone(c.listeners)
	c.lmu.Unlock()
	for _, s := range subs {
		s.listener(e)
	}
}

func (c *Cache) notifyEvent(e Event) {
	c.notify.Schedule(func() {
		c.emit(e)
	})
}

func (c *Cache) onMutate(variables any, m *Mutation) {
	if c.config.OnMutate != nil {
		c.config.OnMutate(variables, m)
	}
}

func (c *Cache) onSuccess(data, variables, mctx any, m *Mutation) {
	if c.config.OnSuccess != nil {
		c.config.OnSuccess(data, variables, mctx, m)
	}
}

func (c *Cache) onError(err error, variables, mctx any, m *Mutation) {
	if c.config.OnError != nil {
		c.config.OnError(err, variables, mctx, m)
	}
}

func (c *Cache) onSettled(data any, err error, variables, mctx any, m *Mutation) {
	if c.config.OnSettled != nil {
		c.config.OnSettled(data, err, variables, mctx, m)
	}
}
