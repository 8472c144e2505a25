// Package hydration snapshots a client's caches and restores them elsewhere.
//
// Dehydrate collects successful queries and paused mutations into a DehydratedState.
// The state carries JSON tags; Marshal and Unmarshal encode it, but transport and
// embedding are left to the caller.
//
//	snapshot := hydration.Dehydrate(server, hydration.DehydrateOptions{})
//	raw, err := hydration.Marshal(snapshot)
//	...
//	state, err := hydration.Unmarshal(raw)
//	err = hydration.Hydrate(browser, state, hydration.HydrateOptions{})
//
// Hydrate never runs work functions. Restored queries keep their key, data and
// timestamps, so they are fresh or stale exactly as they were. Restored mutations get
// their work function from the target client's mutation defaults and run when
// ResumePausedMutations is called.
//
// Errors are reduced to their message on the way out. By default the message is
// replaced with "redacted"; set ShouldRedactErrors to keep it.
package hydration
