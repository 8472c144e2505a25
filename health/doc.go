// Package health tracks component health for the daemon's readiness endpoint.
//
// Components report one of three states: healthy, degraded (working with reduced
// function, such as queries paused while offline) or unhealthy (not working, such as
// a lost NATS connection). A Monitor keeps the latest status per component and
// aggregates them; Check fails only when some component is unhealthy.
//
//	monitor := health.NewMonitor(logger)
//	monitor.UpdateHealthy("nats", "connected")
//	monitor.Update("snapshot", health.FromError("snapshot", health.StateDegraded, err))
//
//	server := metric.NewServer(addr, path, registry, func() error {
//		return monitor.Check("querystate")
//	})
//
// Error messages passed through FromError are sanitized: URLs, file paths, IP
// addresses, ports, and credential assignments are replaced by placeholders.
package health
