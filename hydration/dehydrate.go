package hydration

import (
	"log/slog"
	"time"

	"github.com/c360/querystate/client"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/query"
)

// DehydrateOptions select and transform what goes into a snapshot. Nil fields use
// the defaults.
type DehydrateOptions struct {
	// ShouldDehydrateQuery defaults to queries with status success.
	ShouldDehydrateQuery func(*query.Query) bool
	// ShouldDehydrateMutation defaults to paused mutations.
	ShouldDehydrateMutation func(*mutation.Mutation) bool
	// SerializeData converts query data before it is stored.
	SerializeData func(any) any
	// ShouldRedactErrors reports whether an error's message is replaced. It
	// defaults to redacting every error.
	ShouldRedactErrors func(error) bool
	Logger             *slog.Logger
}

// DefaultShouldDehydrateQuery keeps successful queries.
func DefaultShouldDehydrateQuery(q *query.Query) bool {
	return q.State().Status == query.StatusSuccess
}

// DefaultShouldDehydrateMutation keeps paused mutations.
func DefaultShouldDehydrateMutation(m *mutation.Mutation) bool {
	return m.State().IsPaused
}

func redactAll(error) bool { return true }

func identity(v any) any { return v }

// Dehydrate snapshots the client's caches.
func Dehydrate(c *client.Client, opts DehydrateOptions) DehydratedState {
	shouldQuery := opts.ShouldDehydrateQuery
	if shouldQuery == nil {
		shouldQuery = DefaultShouldDehydrateQuery
	}
	shouldMutation := opts.ShouldDehydrateMutation
	if shouldMutation == nil {
		shouldMutation = DefaultShouldDehydrateMutation
	}
	serialize := opts.SerializeData
	if serialize == nil {
		serialize = identity
	}
	redact := opts.ShouldRedactErrors
	if redact == nil {
		redact = redactAll
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := DehydratedState{
		Mutations: []DehydratedMutation{},
		Queries:   []DehydratedQuery{},
	}
	for _, m := range c.MutationCache().GetAll() {
		if !shouldMutation(m) {
			continue
		}
		mo := m.Options()
		out.Mutations = append(out.Mutations, DehydratedMutation{
			MutationKey: mo.MutationKey,
			State:       mutationStateRecord(m.State(), redact),
			Scope:       mo.Scope,
			Meta:        mo.Meta,
		})
	}

	now := time.Now()
	for _, q := range c.QueryCache().GetAll() {
		if !shouldQuery(q) {
			continue
		}
		s := q.State()
		var data any
		if s.Data != nil {
			data = serialize(s.Data)
		}
		out.Queries = append(out.Queries, DehydratedQuery{
			QueryHash:    q.Hash(),
			QueryKey:     q.Key(),
			State:        queryStateRecord(s, data, redact),
			Status:       s.Status,
			DehydratedAt: now,
			Meta:         q.Meta(),
		})
	}

	c.Metrics().RecordHydration("dehydrate", "query", len(out.Queries))
	c.Metrics().RecordHydration("dehydrate", "mutation", len(out.Mutations))
	logger.Debug("Dehydrated client state",
		"component", "hydration",
		"queries", len(out.Queries),
		"mutations", len(out.Mutations))
	return out
}
