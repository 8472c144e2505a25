// Package config loads the querystate daemon configuration.
//
// Configuration is assembled in layers: built-in defaults, then each file added to
// the Loader in order, then QUERYSTATE_* environment overrides. Files may be JSON,
// YAML (.yaml, .yml) or TOML (.toml); all are decoded to maps and deep-merged, so a
// layer only overrides the fields it names. Durations accept Go duration strings,
// day counts ("14d") and "infinity".
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.toml")
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	defaults := client.DefaultOptions{
//		Queries:   cfg.Client.Queries.Options(),
//		Mutations: cfg.Client.Mutations.Options(),
//	}
//
// # Environment overrides
//
//	QUERYSTATE_NATS_URLS        comma-separated server URLs
//	QUERYSTATE_NATS_USERNAME    NATS user
//	QUERYSTATE_NATS_PASSWORD    NATS password
//	QUERYSTATE_NATS_TOKEN       NATS token
//	QUERYSTATE_HTTP_BASE_URL    base URL for HTTP queries
//	QUERYSTATE_METRICS_ADDR     metrics listen address, enables metrics
//	QUERYSTATE_SNAPSHOT_PATH    dehydrated state file
//	QUERYSTATE_SERVER_MODE      true disables GC and query retries by default
//	QUERYSTATE_ONLINE_SOURCE    none, nats or probe
//
// # Reloading
//
// Manager keeps the current configuration in a SafeConfig and re-runs the loader on
// Reload. Subscribers registered with OnChange receive an Update for every changed
// top-level section they match. Invalid configurations are rejected and the previous
// one stays active.
package config
