package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/pkg/tlsutil"
	"github.com/c360/querystate/query"
)

// Query sources
const (
	SourceHTTP = "http"
	SourceNATS = "nats"
)

// Online signal sources
const (
	OnlineNone  = "none"
	OnlineNATS  = "nats"
	OnlineProbe = "probe"
)

// Config is the complete daemon configuration.
type Config struct {
	Version  string         `json:"version,omitempty"`
	Client   ClientConfig   `json:"client"`
	Online   OnlineConfig   `json:"online"`
	NATS     NATSConfig     `json:"nats"`
	HTTP     HTTPConfig     `json:"http"`
	Metrics  MetricsConfig  `json:"metrics"`
	Snapshot SnapshotConfig `json:"snapshot"`
	Queries  []QueryConfig  `json:"queries,omitempty"`
}

// ClientConfig holds the client-wide defaults.
type ClientConfig struct {
	ServerMode bool             `json:"server_mode"`
	Queries    QueryDefaults    `json:"queries"`
	Mutations  MutationDefaults `json:"mutations"`
}

// QueryDefaults are the configurable client defaults for queries.
type QueryDefaults struct {
	StaleTime            *Duration `json:"stale_time,omitempty"`
	GCTime               *Duration `json:"gc_time,omitempty"`
	Retry                *int      `json:"retry,omitempty"` // retries after the first failure, -1 = forever
	RetryDelay           *Duration `json:"retry_delay,omitempty"`
	NetworkMode          string    `json:"network_mode,omitempty"`
	RefetchOnMount       string    `json:"refetch_on_mount,omitempty"`
	RefetchOnWindowFocus string    `json:"refetch_on_window_focus,omitempty"`
	RefetchOnReconnect   string    `json:"refetch_on_reconnect,omitempty"`
	RefetchInterval      Duration  `json:"refetch_interval,omitempty"`
}

// MutationDefaults are the configurable client defaults for mutations.
type MutationDefaults struct {
	GCTime      *Duration `json:"gc_time,omitempty"`
	Retry       *int      `json:"retry,omitempty"`
	RetryDelay  *Duration `json:"retry_delay,omitempty"`
	NetworkMode string    `json:"network_mode,omitempty"`
}

// OnlineConfig selects where connectivity comes from.
type OnlineConfig struct {
	Source        string   `json:"source,omitempty"` // none, nats or probe
	ProbeURL      string   `json:"probe_url,omitempty"`
	ProbeInterval Duration `json:"probe_interval,omitempty"`
	ProbeTimeout  Duration `json:"probe_timeout,omitempty"`
	MaxFailures   int      `json:"max_failures,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string `json:"urls,omitempty"`
	Name           string   `json:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects,omitempty"`
	ReconnectWait  Duration `json:"reconnect_wait,omitempty"`
	ConnectRetries int      `json:"connect_retries,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Token          string   `json:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`

	// InvalidateSubject receives JSON query keys to invalidate; empty disables it.
	InvalidateSubject string `json:"invalidate_subject,omitempty"`
}

// HTTPConfig configures HTTP work functions.
type HTTPConfig struct {
	BaseURL   string            `json:"base_url,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty"`
	RateLimit float64           `json:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst     int               `json:"burst,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
}

// SnapshotConfig configures dehydration to and hydration from a file.
type SnapshotConfig struct {
	Path         string   `json:"path,omitempty"`
	Interval     Duration `json:"interval,omitempty"` // 0 = only on shutdown
	RedactErrors *bool    `json:"redact_errors,omitempty"`
}

// QueryConfig describes a query the daemon keeps observed.
type QueryConfig struct {
	Key             []any     `json:"key"`
	Source          string    `json:"source"`
	Target          string    `json:"target"` // URL path or NATS subject
	StaleTime       *Duration `json:"stale_time,omitempty"`
	RefetchInterval Duration  `json:"refetch_interval,omitempty"`
	Enabled         *bool     `json:"enabled,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Default returns the configuration used when no layer overrides it.
func Default() *Config {
	return &Config{
		Online: OnlineConfig{
			Source:        OnlineNone,
			ProbeInterval: Duration(5 * time.Second),
			ProbeTimeout:  Duration(2 * time.Second),
			MaxFailures:   3,
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Name:           "querystate",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectRetries: 10,
			RequestTimeout: Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			Timeout: Duration(10 * time.Second),
			Burst:   1,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := c.Client.Queries.validate(); err != nil {
		return invalid("client.queries: %w", err)
	}
	if !retry.NetworkMode(c.Client.Mutations.NetworkMode).Valid() {
		return invalid("client.mutations.network_mode %q is not a known mode", c.Client.Mutations.NetworkMode)
	}

	switch c.Online.Source {
	case "", OnlineNone, OnlineNATS:
	case OnlineProbe:
		if c.Online.ProbeURL == "" {
			return invalid("online.probe_url is required for the probe source")
		}
	default:
		return invalid("online.source %q must be none, nats or probe", c.Online.Source)
	}

	if c.HTTP.RateLimit < 0 {
		return invalid("http.rate_limit cannot be negative")
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		return invalid("http.tls: %w", err)
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		return invalid("nats.tls: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}

	needsNATS := c.Online.Source == OnlineNATS || c.NATS.InvalidateSubject != ""
	seen := make(map[string]int, len(c.Queries))
	for i, q := range c.Queries {
		if len(q.Key) == 0 {
			return invalid("queries[%d].key is required", i)
		}
		hash, err := keyhash.Hash(q.Key)
		if err != nil {
			return invalid("queries[%d].key: %w", i, err)
		}
		if j, dup := seen[hash]; dup {
			return invalid("queries[%d].key duplicates queries[%d]", i, j)
		}
		seen[hash] = i
		if q.Target == "" {
			return invalid("queries[%d].target is required", i)
		}
		switch q.Source {
		case SourceHTTP:
			if c.HTTP.BaseURL == "" && !strings.Contains(q.Target, "://") {
				return invalid("queries[%d].target must be absolute without http.base_url", i)
			}
		case SourceNATS:
			needsNATS = true
		default:
			return invalid("queries[%d].source %q must be http or nats", i, q.Source)
		}
	}
	if needsNATS && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required")
	}
	return nil
}

func invalid(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...)
	return errors.WrapInvalid(err, "Config", "Validate", "check configuration")
}

func (d QueryDefaults) validate() error {
	if !retry.NetworkMode(d.NetworkMode).Valid() {
		return fmt.Errorf("network_mode %q is not a known mode", d.NetworkMode)
	}
	for name, v := range map[string]string{
		"refetch_on_mount":        d.RefetchOnMount,
		"refetch_on_window_focus": d.RefetchOnWindowFocus,
		"refetch_on_reconnect":    d.RefetchOnReconnect,
	} {
		if _, err := parseTrigger(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func parseTrigger(s string) (query.Trigger, error) {
	switch s {
	case "":
		return query.TriggerInherit, nil
	case "when_stale":
		return query.TriggerWhenStale, nil
	case "always":
		return query.TriggerAlways, nil
	case "never":
		return query.TriggerNever, nil
	}
	return query.TriggerInherit, fmt.Errorf("trigger %q must be when_stale, always or never", s)
}

func retryPolicy(n *int) retry.Policy {
	switch {
	case n == nil:
		return nil
	case *n < 0:
		return retry.Always()
	case *n == 0:
		return retry.Never()
	default:
		return retry.Times(*n)
	}
}

func retryDelay(d *Duration) retry.DelayFunc {
	if d == nil {
		return nil
	}
	return retry.ConstantDelay(d.Std())
}

// Options converts the defaults into query options. Unset fields stay unset.
func (d QueryDefaults) Options() query.Options {
	onMount, _ := parseTrigger(d.RefetchOnMount)
	onFocus, _ := parseTrigger(d.RefetchOnWindowFocus)
	onReconnect, _ := parseTrigger(d.RefetchOnReconnect)
	return query.Options{
		StaleTime:            d.StaleTime.Ptr(),
		GCTime:               d.GCTime.Ptr(),
		Retry:                retryPolicy(d.Retry),
		RetryDelay:           retryDelay(d.RetryDelay),
		NetworkMode:          retry.NetworkMode(d.NetworkMode),
		RefetchOnMount:       onMount,
		RefetchOnWindowFocus: onFocus,
		RefetchOnReconnect:   onReconnect,
		RefetchInterval:      d.RefetchInterval.Std(),
	}
}

// Options converts the defaults into mutation options.
func (d MutationDefaults) Options() mutation.Options {
	return mutation.Options{
		GCTime:      d.GCTime.Ptr(),
		Retry:       retryPolicy(d.Retry),
		RetryDelay:  retryDelay(d.RetryDelay),
		NetworkMode: retry.NetworkMode(d.NetworkMode),
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "QUERYSTATE",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw decodes a layer into a map, picking the format from the file extension.
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.WrapInvalid(err, "Loader", "Load", "read "+key)
		}
		return val, val != "", nil
	}

	if val, ok, err := env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok, err := env("NATS_USERNAME"); err != nil {
		return err
	} else if ok {
		cfg.NATS.Username = val
	}
	if val, ok, err := env("NATS_PASSWORD"); err != nil {
		return err
	} else if ok {
		cfg.NATS.Password = val
	}
	if val, ok, err := env("NATS_TOKEN"); err != nil {
		return err
	} else if ok {
		cfg.NATS.Token = val
	}
	if val, ok, err := env("HTTP_BASE_URL"); err != nil {
		return err
	} else if ok {
		cfg.HTTP.BaseURL = val
	}
	if val, ok, err := env("METRICS_ADDR"); err != nil {
		return err
	} else if ok {
		cfg.Metrics.Addr = val
		cfg.Metrics.Enabled = true
	}
	if val, ok, err := env("SNAPSHOT_PATH"); err != nil {
		return err
	} else if ok {
		cfg.Snapshot.Path = val
	}
	if val, ok, err := env("SERVER_MODE"); err != nil {
		return err
	} else if ok {
		b, perr := strconv.ParseBool(val)
		if perr != nil {
			return errors.WrapInvalid(perr, "Loader", "Load", "parse "+l.envPrefix+"_SERVER_MODE")
		}
		cfg.Client.ServerMode = b
	}
	if val, ok, err := env("ONLINE_SOURCE"); err != nil {
		return err
	} else if ok {
		cfg.Online.Source = val
	}
	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "encode config")
	}
	if err := checkPath(path, ".json"); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "check path")
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
