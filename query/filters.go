package query

import (
	"github.com/c360/querystate/pkg/keyhash"
)

// QueryType narrows filters by observer activity.
type QueryType string

const (
	QueryTypeAll      QueryType = "all"
	QueryTypeActive   QueryType = "active"
	QueryTypeInactive QueryType = "inactive"
)

// Filters select queries. Zero fields do not filter.
type Filters struct {
	// QueryKey matches queries whose key starts with it, or equals it when Exact is set.
	QueryKey keyhash.Key
	Exact    bool
	// Type selects active queries (at least one observer) or inactive ones.
	Type        QueryType
	Stale       *bool
	FetchStatus FetchStatus
	Predicate   func(q *Query) bool
}

// Match reports whether q satisfies every set filter.
func (f Filters) Match(q *Query) bool {
	return f.compile().match(q)
}

// matcher is Filters with the key hashed once.
type matcher struct {
	Filters
	hash    string
	hashErr error
	prefix  keyhash.Prefix
}

func (f Filters) compile() matcher {
	m := matcher{Filters: f}
	if f.QueryKey == nil {
		return m
	}
	if f.Exact {
		m.hash, m.hashErr = keyhash.Hash(f.QueryKey)
	} else {
		m.prefix = keyhash.NewPrefix(f.QueryKey)
	}
	return m
}

func (m matcher) match(q *Query) bool {
	if m.QueryKey != nil {
		if m.Exact {
			if m.hashErr != nil || m.hash != q.Hash() {
				return false
			}
		} else if !m.prefix.Match(q.key) {
			return false
		}
	}

	if m.Type != "" && m.Type != QueryTypeAll {
		active := q.IsActive()
		if m.Type == QueryTypeActive && !active {
			return false
		}
		if m.Type == QueryTypeInactive && active {
			return false
		}
	}

	if m.Stale != nil && q.IsStale() != *m.Stale {
		return false
	}

	if m.FetchStatus != "" && q.State().FetchStatus != m.FetchStatus {
		return false
	}

	if m.Predicate != nil && !m.Predicate(q) {
		return false
	}
	return true
}
