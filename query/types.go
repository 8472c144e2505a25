package query

import (
	"context"
	"math"
	"time"

	"github.com/c360/querystate/pkg/keyhash"
)

// Infinity disables a duration-based behavior: data never goes stale, entries are
// never collected.
const Infinity time.Duration = math.MaxInt64

// Duration returns a pointer to d for optional duration fields.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// Bool returns a pointer to v for optional boolean fields.
func Bool(v bool) *bool {
	return &v
}

// Status is the data status of a query.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchStatus reports whether a fetch is running.
type FetchStatus string

const (
	FetchStatusIdle     FetchStatus = "idle"
	FetchStatusFetching FetchStatus = "fetching"
	FetchStatusPaused   FetchStatus = "paused"
)

// State is the cached state of one query. Data is nil until a success has been
// recorded; Error is set while Status is error, possibly next to stale Data.
type State struct {
	Data               any
	DataUpdateCount    int
	DataUpdatedAt      time.Time
	Error              error
	ErrorUpdateCount   int
	ErrorUpdatedAt     time.Time
	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          map[string]any
	IsInvalidated      bool
	Status             Status
	FetchStatus        FetchStatus
}

// HasData reports whether a value has been recorded.
func (s State) HasData() bool {
	return s.Data != nil
}

// FunctionContext is passed to work functions next to the cancellation context.
type FunctionContext struct {
	QueryKey keyhash.Key
	Meta     map[string]any
	// FetchMeta is the metadata of the fetch that invoked the function.
	FetchMeta map[string]any
}

// Func fetches the data for a query. The context is cancelled when the fetch is
// cancelled; a function that selects on ctx.Done is reverted on observer loss.
// Returning nil data is a failure.
type Func func(ctx context.Context, fc FunctionContext) (any, error)

// Trigger decides whether an automatic refetch trigger fires.
type Trigger int

const (
	// TriggerInherit uses the default, which is TriggerWhenStale.
	TriggerInherit Trigger = iota
	// TriggerWhenStale refetches only when the data is stale.
	TriggerWhenStale
	// TriggerAlways refetches regardless of staleness.
	TriggerAlways
	// TriggerNever disables the trigger.
	TriggerNever
)

// String returns the string representation of Trigger
func (t Trigger) String() string {
	switch t {
	case TriggerInherit:
		return "inherit"
	case TriggerWhenStale:
		return "whenStale"
	case TriggerAlways:
		return "always"
	case TriggerNever:
		return "never"
	default:
		return "unknown"
	}
}

// EventType identifies a cache event.
type EventType string

const (
	EventAdded                  EventType = "added"
	EventRemoved                EventType = "removed"
	EventUpdated                EventType = "updated"
	EventObserverAdded          EventType = "observerAdded"
	EventObserverRemoved        EventType = "observerRemoved"
	EventObserverResultsUpdated EventType = "observerResultsUpdated"
	EventObserverOptionsUpdated EventType = "observerOptionsUpdated"
)

// Event is delivered to cache subscribers after the change that caused it.
type Event struct {
	Type     EventType
	Query    *Query
	Observer *Observer
	// Action is set for EventUpdated.
	Action Action
}

// Listener receives cache events.
type Listener func(Event)
