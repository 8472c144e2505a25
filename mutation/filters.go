package mutation

import (
	"github.com/c360/querystate/pkg/keyhash"
)

// EventType names a mutation cache event.
type EventType string

const (
	EventAdded                  EventType = "added"
	EventRemoved                EventType = "removed"
	EventUpdated                EventType = "updated"
	EventObserverAdded          EventType = "observerAdded"
	EventObserverRemoved        EventType = "observerRemoved"
	EventObserverOptionsUpdated EventType = "observerOptionsUpdated"
)

// Event is delivered to cache subscribers. Action is set for EventUpdated.
type Event struct {
	Type     EventType
	Mutation *Mutation
	Observer *Observer
	Action   *Action
}

// Listener receives cache events.
type Listener func(Event)

// Filters select mutations. The zero value matches everything.
type Filters struct {
	// MutationKey matches mutations whose key starts with it, or equals it when Exact.
	// Mutations without a key never match a non-nil MutationKey.
	MutationKey keyhash.Key
	Exact       bool
	Status      Status
	Predicate   func(*Mutation) bool
}

// Match reports whether m passes every filter.
func (f Filters) Match(m *Mutation) bool {
	return f.compile().match(m)
}

// matcher is Filters with the key hashed once.
type matcher struct {
	Filters
	hash    string
	hashErr error
	prefix  keyhash.Prefix
}

func (f Filters) compile() matcher {
	c := matcher{Filters: f}
	if f.MutationKey == nil {
		return c
	}
	if f.Exact {
		c.hash, c.hashErr = keyhash.Hash(f.MutationKey)
	} else {
		c.prefix = keyhash.NewPrefix(f.MutationKey)
	}
	return c
}

func (c matcher) match(m *Mutation) bool {
	if c.MutationKey != nil {
		key := m.Options().MutationKey
		if key == nil {
			return false
		}
		if c.Exact {
			hash, err := keyhash.Hash(key)
			if c.hashErr != nil || err != nil || hash != c.hash {
				return false
			}
		} else if !c.prefix.Match(key) {
			return false
		}
	}
	if c.Status != "" && m.State().Status != c.Status {
		return false
	}
	if c.Predicate != nil && !c.Predicate(m) {
		return false
	}
	return true
}
