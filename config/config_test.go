package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/query"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func intPtr(v int) *int { return &v }

func TestLoader_MergesLayersAcrossFormats(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.json", `{
		"client": {"queries": {"stale_time": "1m", "network_mode": "always"}},
		"nats": {"urls": ["nats://base:4222"], "reconnect_wait": "5s"}
	}`)
	yamlLayer := writeFile(t, dir, "queries.yaml", `
client:
  server_mode: true
  queries:
    stale_time: 30s
    retry: 0
http:
  base_url: http://localhost:8080
queries:
  - key: ["todos", 1]
    source: http
    target: /todos/1
    refetch_interval: 10s
`)
	tomlLayer := writeFile(t, dir, "prod.toml", `
[client.queries]
gc_time = "14d"
refetch_on_window_focus = "never"

[metrics]
enabled = true
addr = ":9100"
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(yamlLayer)
	loader.AddLayer(tomlLayer)
	cfg, err := loader.Load()
	require.NoError(t, err)

	q := cfg.Client.Queries
	require.NotNil(t, q.StaleTime)
	assert.Equal(t, 30*time.Second, q.StaleTime.Std())
	require.NotNil(t, q.GCTime)
	assert.Equal(t, 14*24*time.Hour, q.GCTime.Std())
	assert.Equal(t, "always", q.NetworkMode)
	assert.Equal(t, "never", q.RefetchOnWindowFocus)
	assert.Equal(t, intPtr(0), q.Retry)
	assert.True(t, cfg.Client.ServerMode)

	assert.Equal(t, []string{"nats://base:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, "querystate", cfg.NATS.Name, "defaults survive layers")
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	require.Len(t, cfg.Queries, 1)
	assert.Equal(t, []any{"todos", float64(1)}, cfg.Queries[0].Key)
	assert.Equal(t, 10*time.Second, cfg.Queries[0].RefetchInterval.Std())
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("QUERYSTATE_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("QUERYSTATE_SERVER_MODE", "true")
	t.Setenv("QUERYSTATE_METRICS_ADDR", ":9999")
	t.Setenv("QUERYSTATE_SNAPSHOT_PATH", "/var/lib/querystate/state.json")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.True(t, cfg.Client.ServerMode)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	assert.Equal(t, "/var/lib/querystate/state.json", cfg.Snapshot.Path)

	t.Setenv("QUERYSTATE_SERVER_MODE", "maybe")
	_, err = NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_RejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"unsupported extension", writeFile(t, dir, "config.ini", "a=b")},
		{"malformed yaml", writeFile(t, dir, "bad.yaml", "client: [unclosed")},
		{"malformed toml", writeFile(t, dir, "bad.toml", "[client")},
		{"missing file", filepath.Join(dir, "missing.json")},
		{"escapes working directory", "../../outside.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_MissingFileIsConfigNotFound(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
	assert.True(t, errors.IsInvalid(err))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{
			"unknown network mode",
			func(c *Config) { c.Client.Queries.NetworkMode = "sometimes" },
			"network_mode",
		},
		{
			"unknown trigger",
			func(c *Config) { c.Client.Queries.RefetchOnReconnect = "eventually" },
			"refetch_on_reconnect",
		},
		{
			"probe without url",
			func(c *Config) { c.Online.Source = OnlineProbe },
			"probe_url",
		},
		{
			"unknown online source",
			func(c *Config) { c.Online.Source = "carrier-pigeon" },
			"online.source",
		},
		{
			"query without key",
			func(c *Config) { c.Queries = []QueryConfig{{Source: SourceNATS, Target: "todos.list"}} },
			"key is required",
		},
		{
			"duplicate query keys",
			func(c *Config) {
				c.Queries = []QueryConfig{
					{Key: []any{"todos", 1}, Source: SourceNATS, Target: "a"},
					{Key: []any{"todos", 1.0}, Source: SourceNATS, Target: "b"},
				}
			},
			"duplicates",
		},
		{
			"relative http target without base url",
			func(c *Config) {
				c.Queries = []QueryConfig{{Key: []any{"todos"}, Source: SourceHTTP, Target: "/todos"}}
			},
			"base_url",
		},
		{
			"nats query without urls",
			func(c *Config) {
				c.NATS.URLs = nil
				c.Queries = []QueryConfig{{Key: []any{"todos"}, Source: SourceNATS, Target: "todos.list"}}
			},
			"nats.urls",
		},
		{
			"unknown source",
			func(c *Config) {
				c.Queries = []QueryConfig{{Key: []any{"todos"}, Source: "ftp", Target: "x"}}
			},
			"source",
		},
		{
			"http client cert without key",
			func(c *Config) {
				c.HTTP.TLS.Enabled = true
				c.HTTP.TLS.CertFile = "client.pem"
			},
			"http.tls",
		},
		{
			"nats tls version",
			func(c *Config) {
				c.NATS.TLS.Enabled = true
				c.NATS.TLS.MinVersion = "1.1"
			},
			"nats.tls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{"30s", Duration(30 * time.Second)},
		{"5m", Duration(5 * time.Minute)},
		{"14d", Duration(14 * 24 * time.Hour)},
		{"infinity", Infinity},
		{"Infinity", Infinity},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDuration("xd")
	assert.Error(t, err)
	assert.Equal(t, query.Infinity, Infinity.Std())

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`1500000000`)))
	assert.Equal(t, 1500*time.Millisecond, d.Std())
	b, err := Infinity.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"infinity"`, string(b))
}

func TestQueryDefaults_Options(t *testing.T) {
	stale := Duration(time.Minute)
	delay := Duration(time.Second)
	opts := QueryDefaults{
		StaleTime:            &stale,
		Retry:                intPtr(2),
		RetryDelay:           &delay,
		NetworkMode:          "offlineFirst",
		RefetchOnWindowFocus: "always",
		RefetchOnReconnect:   "never",
		RefetchInterval:      Duration(30 * time.Second),
	}.Options()

	require.NotNil(t, opts.StaleTime)
	assert.Equal(t, time.Minute, *opts.StaleTime)
	assert.Nil(t, opts.GCTime)
	assert.True(t, opts.Retry(1, nil))
	assert.False(t, opts.Retry(2, nil))
	assert.Equal(t, time.Second, opts.RetryDelay(5, nil))
	assert.Equal(t, retry.NetworkModeOfflineFirst, opts.NetworkMode)
	assert.Equal(t, query.TriggerInherit, opts.RefetchOnMount)
	assert.Equal(t, query.TriggerAlways, opts.RefetchOnWindowFocus)
	assert.Equal(t, query.TriggerNever, opts.RefetchOnReconnect)
	assert.Equal(t, 30*time.Second, opts.RefetchInterval)

	assert.Nil(t, QueryDefaults{}.Options().Retry)
	assert.False(t, QueryDefaults{Retry: intPtr(0)}.Options().Retry(0, nil))
	assert.True(t, QueryDefaults{Retry: intPtr(-1)}.Options().Retry(100, nil))

	m := MutationDefaults{Retry: intPtr(1), NetworkMode: "always"}.Options()
	assert.True(t, m.Retry(0, nil))
	assert.False(t, m.Retry(1, nil))
	assert.Equal(t, retry.NetworkModeAlways, m.NetworkMode)
}

func TestSnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	_, err := ReadSnapshot(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteSnapshot(path, []byte(`{"queries":[],"mutations":[]}`)))
	require.NoError(t, WriteSnapshot(path, []byte(`{"queries":[{}],"mutations":[]}`)))
	data, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queries":[{}],"mutations":[]}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Error(t, WriteSnapshot(filepath.Join(dir, "state.yaml"), []byte(`{}`)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(nil)
	cfg := sc.Get()
	cfg.Online.Source = "bogus"
	require.Error(t, sc.Update(cfg))
	assert.Equal(t, OnlineNone, sc.Get().Online.Source)

	cfg.Online.Source = OnlineNATS
	require.NoError(t, sc.Update(cfg))
	got := sc.Get()
	assert.Equal(t, OnlineNATS, got.Online.Source)

	got.NATS.URLs[0] = "mutated"
	assert.NotEqual(t, "mutated", sc.Get().NATS.URLs[0], "Get returns a deep copy")
}
