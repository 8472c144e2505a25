package config

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"

	"github.com/c360/querystate/errors"
)

// Update represents a configuration change notification
type Update struct {
	Path   string      // Changed section (e.g., "queries", "client")
	Config *SafeConfig // Full latest configuration
}

// Manager owns the loaded configuration and reloads it from the loader's layers on
// request, notifying subscribers of the sections that changed.
type Manager struct {
	loader      *Loader
	config      *SafeConfig
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	reloadMu    sync.Mutex
	logger      *slog.Logger
	stopped     atomic.Bool
}

// NewManager loads the initial configuration through loader.
func NewManager(loader *Loader, logger *slog.Logger) (*Manager, error) {
	if loader == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "check loader")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return &Manager{
		loader:      loader,
		config:      NewSafeConfig(cfg),
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}, nil
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of sections matching pattern. The channel receives
// the current configuration immediately. Patterns are a section name, "*", or a
// prefix ending in "*".
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	ch <- Update{Path: pattern, Config: cm.config}
	return ch
}

// Reload re-reads every layer and returns the sections that changed. A configuration
// that fails validation leaves the current one in place.
func (cm *Manager) Reload() ([]string, error) {
	cm.reloadMu.Lock()
	defer cm.reloadMu.Unlock()
	if cm.stopped.Load() {
		return nil, nil
	}

	next, err := cm.loader.Load()
	if err != nil {
		cm.logger.Warn("Configuration reload rejected", "error", err)
		return nil, err
	}
	changed := changedSections(cm.config.Get(), next)
	if len(changed) == 0 {
		cm.logger.Debug("Configuration unchanged")
		return nil, nil
	}
	if err := cm.config.Update(next); err != nil {
		return nil, err
	}
	cm.logger.Info("Configuration reloaded", "sections", changed)

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, path := range changed {
		for pattern, channels := range cm.subscribers {
			if !matchesPattern(path, pattern) {
				continue
			}
			for _, ch := range channels {
				select {
				case ch <- Update{Path: path, Config: cm.config}:
				default:
					cm.logger.Debug("Subscriber lagging, update dropped", "pattern", pattern, "section", path)
				}
			}
		}
	}
	return changed, nil
}

// Stop closes every subscriber channel. Later reloads are ignored.
func (cm *Manager) Stop() {
	if !cm.stopped.CompareAndSwap(false, true) {
		return
	}
	cm.reloadMu.Lock()
	defer cm.reloadMu.Unlock()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
}

func changedSections(prev, next *Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"version", prev.Version, next.Version},
		{"client", prev.Client, next.Client},
		{"online", prev.Online, next.Online},
		{"nats", prev.NATS, next.NATS},
		{"http", prev.HTTP, next.HTTP},
		{"metrics", prev.Metrics, next.Metrics},
		{"snapshot", prev.Snapshot, next.Snapshot},
		{"queries", prev.Queries, next.Queries},
	}
	var out []string
	for _, s := range sections {
		if !cmp.Equal(s.a, s.b) {
			out = append(out, s.name)
		}
	}
	return out
}

// matchesPattern checks if a section matches a subscription pattern
func matchesPattern(path, pattern string) bool {
	if pattern == path || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return false
}
