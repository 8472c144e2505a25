// Package mutation implements mutation entries, the mutation cache and mutation
// observers.
//
// A Mutation is one invocation of a write. Execute runs OnMutate, then the work
// function through a retry.Retryer (no retries unless configured), then the success or
// error callbacks, cache-level ones first, and finally records the outcome:
//
//	cache, _ := mutation.NewCache(mutation.WithOnline(online))
//	m := cache.Build(mutation.Options{
//	    MutationKey: keyhash.Key{"todos", "add"},
//	    MutationFn: func(ctx context.Context, vars any) (any, error) {
//	        return api.AddTodo(ctx, vars.(Todo))
//	    },
//	    Scope: &mutation.Scope{ID: "todos"},
//	}, nil)
//	created, err := m.Execute(ctx, Todo{Title: "write docs"})
//
// # Scopes
//
// Mutations run in parallel unless they share a Scope ID. The cache keeps one FIFO
// queue per scope: a mutation joins its queue when executed and may only run while it
// is at the head. A mutation submitted behind a busy scope is pending and paused; when
// the head settles it leaves the queue and the cache wakes the next one.
//
// # Offline
//
// With the default online network mode a mutation submitted while offline pauses
// before its first attempt. Cache.ResumePausedMutations continues all paused mutations
// in submission order; scoped ones still wait for their predecessors.
//
// # Garbage collection
//
// A mutation without observers is removed after its GCTime (5 minutes by default).
// Pending mutations are kept until they settle.
package mutation
