// Package retry runs work functions with retries, abortable exponential backoff and
// connectivity-aware pausing.
//
// # Overview
//
// Two layers live here:
//
//   - Retryer: the engine behind every query fetch and mutation execution. It settles a
//     Promise exactly once, pauses while offline or unfocused, and can be cancelled at
//     any point. Cancellation rejects with CancelledError and cancels the attempt
//     context; a result that arrives afterwards is discarded.
//   - Do / DoWithResult: bounded retry helpers for infrastructure code such as
//     connecting to NATS at startup. They are thin wrappers around a Retryer.
//
// # Retry policies
//
// A Policy receives the number of failures recorded before the current one:
//
//	retry.Times(3)          // up to three retries, four attempts in total
//	retry.TransientOnly(5)  // only errors classified transient by the errors package
//	retry.Never()
//
// Errors wrapped with NonRetryable are never retried regardless of policy.
//
// The default delay is min(1s * 2^failureCount, 30s).
//
// # Network modes
//
//   - online: attempts start and continue only while online; otherwise the loop pauses
//     without consuming attempts until Continue is called.
//   - always: connectivity is ignored.
//   - offlineFirst: the first attempt always runs; retries wait for connectivity.
//
// Retries also pause while the application is unfocused when a FocusChecker is set.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Thread Safety
//
// All types are safe for concurrent use. The attempt loop runs on its own goroutine.
package retry
