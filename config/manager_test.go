package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func TestManager_PatternMatching(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		pattern  string
		expected bool
	}{
		{"exact match", "queries", "queries", true},
		{"wildcard", "queries", "*", true},
		{"prefix wildcard", "nats", "na*", true},
		{"different section", "metrics", "queries", false},
		{"prefix mismatch", "http", "na*", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchesPattern(tt.path, tt.pattern))
		})
	}
}

func TestManager_ReloadNotifiesChangedSections(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
queries:
  - key: [todos]
    source: nats
    target: todos.list
`)
	loader := NewLoader()
	loader.AddLayer(path)
	cm, err := NewManager(loader, nil)
	require.NoError(t, err)
	defer cm.Stop()

	queries := cm.OnChange("queries")
	metrics := cm.OnChange("metrics")
	assert.Equal(t, "queries", receive(t, queries).Path)
	receive(t, metrics)

	changed, err := cm.Reload()
	require.NoError(t, err)
	assert.Empty(t, changed)

	writeFile(t, dir, "config.yaml", `
queries:
  - key: [todos]
    source: nats
    target: todos.list
  - key: [users]
    source: nats
    target: users.list
`)
	changed, err = cm.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"queries"}, changed)

	u := receive(t, queries)
	assert.Equal(t, "queries", u.Path)
	assert.Len(t, u.Config.Get().Queries, 2)
	select {
	case u := <-metrics:
		t.Fatalf("unexpected update for %s", u.Path)
	default:
	}
}

func TestManager_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"online": {"source": "nats"}}`)
	loader := NewLoader()
	loader.AddLayer(path)
	cm, err := NewManager(loader, nil)
	require.NoError(t, err)

	writeFile(t, dir, "config.json", `{"online": {"source": "smoke-signals"}}`)
	_, err = cm.Reload()
	require.Error(t, err)
	assert.Equal(t, OnlineNATS, cm.GetConfig().Get().Online.Source)

	all := cm.OnChange("*")
	receive(t, all)
	cm.Stop()
	_, ok := <-all
	assert.False(t, ok)

	changed, err := cm.Reload()
	assert.NoError(t, err)
	assert.Nil(t, changed)
}
