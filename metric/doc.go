// Package metric provides Prometheus-based metrics collection and an HTTP server
// exposing them.
//
// # Architecture
//
//  1. Core metrics: client-level gauges and counters registered automatically
//     (mounted clients, focus and online state, signal transitions, hydration records).
//  2. Component registry: the query and mutation caches register their own collectors
//     through the MetricsRegistrar interface, keyed "component.metric".
//  3. HTTP server: /metrics in Prometheus or OpenMetrics format and a /health endpoint
//     backed by an optional HealthFunc.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry, nil)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(context.Background())
//
//	c := client.New(client.WithMetrics(registry))
//
// Registration of the same component and metric name twice fails with an invalid
// classified error, so components register once at construction.
package metric
