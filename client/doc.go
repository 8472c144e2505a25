// Package client provides the imperative API over a query cache and a mutation cache.
//
// A Client resolves options through three layers of defaults before the environment
// defaults of the caches apply: client-wide DefaultOptions, then defaults registered
// per key prefix with SetQueryDefaults and SetMutationDefaults (in registration
// order), then the per-call options.
//
//	c, _ := client.New(client.WithOnlineManager(online))
//	c.Mount()
//	defer c.Unmount()
//
//	c.SetQueryDefaults(keyhash.Key{"todos"}, query.Options{StaleTime: query.Duration(time.Minute)})
//	todos, err := c.FetchQuery(ctx, query.Options{
//	    QueryKey: keyhash.Key{"todos"},
//	    QueryFn:  listTodos,
//	})
//
//	_, err = c.MutateAsync(ctx, mutation.Options{MutationFn: addTodo}, todo)
//	_ = c.InvalidateQueries(ctx, client.InvalidateFilters{
//	    Filters: query.Filters{QueryKey: keyhash.Key{"todos"}},
//	}, query.RefetchOptions{})
//
// Mount subscribes to the focus and online managers: regaining focus or connectivity
// resumes paused mutations and then lets queries refetch according to their triggers.
package client
