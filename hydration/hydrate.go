package hydration

import (
	"log/slog"

	"github.com/c360/querystate/client"
	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/query"
)

// HydrateOptions tune how a snapshot is restored.
type HydrateOptions struct {
	// DeserializeData reverses DehydrateOptions.SerializeData.
	DeserializeData func(any) any
	// DefaultOptions apply to every restored query and mutation, below the
	// client's key defaults.
	DefaultOptions client.DefaultOptions
	Logger         *slog.Logger
}

// Hydrate restores a snapshot into the client's caches without running any work
// function. A query already in the cache is only overwritten when the snapshot's data
// is newer; its fetch status is kept. Restored pending mutations run once resumed.
func Hydrate(c *client.Client, state DehydratedState, opts HydrateOptions) error {
	deserialize := opts.DeserializeData
	if deserialize == nil {
		deserialize = identity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hydration")

	for _, rec := range state.Mutations {
		mo := opts.DefaultOptions.Mutations.Merge(mutation.Options{
			MutationKey: rec.MutationKey,
			Scope:       rec.Scope,
			Meta:        rec.Meta,
		})
		s := rec.State.state()
		c.MutationCache().Build(c.DefaultMutationOptions(mo), &s)
	}

	var updated, created int
	for _, rec := range state.Queries {
		var data any
		if rec.State.Data != nil {
			data = deserialize(rec.State.Data)
		}

		if q := c.QueryCache().Get(rec.QueryHash); q != nil {
			current := q.State()
			if !current.DataUpdatedAt.Before(rec.State.DataUpdatedAt) {
				continue
			}
			s := rec.State.state(data)
			s.FetchStatus = current.FetchStatus
			q.SetState(s)
			updated++
			continue
		}

		qo := opts.DefaultOptions.Queries.Merge(query.Options{
			QueryKey:  rec.QueryKey,
			QueryHash: rec.QueryHash,
			Meta:      rec.Meta,
		})
		defaulted, err := c.DefaultQueryOptions(qo)
		if err != nil {
			return errors.WrapInvalid(err, "hydration", "Hydrate", "resolve query options")
		}
		s := rec.State.state(data)
		s.FetchStatus = query.FetchStatusIdle
		if data != nil {
			s.Status = query.StatusSuccess
		}
		if _, err := c.QueryCache().Build(defaulted, &s); err != nil {
			return errors.WrapInvalid(err, "hydration", "Hydrate", "build query")
		}
		created++
	}

	c.Metrics().RecordHydration("hydrate", "query", updated+created)
	c.Metrics().RecordHydration("hydrate", "mutation", len(state.Mutations))
	logger.Debug("Hydrated client state",
		"queries_created", created,
		"queries_updated", updated,
		"mutations", len(state.Mutations))
	return nil
}
