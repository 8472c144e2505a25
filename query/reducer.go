package query

import (
	"time"

	"github.com/c360/querystate/pkg/retry"
)

// ActionType names a state transition.
type ActionType string

const (
	ActionFetch      ActionType = "fetch"
	ActionSuccess    ActionType = "success"
	ActionError      ActionType = "error"
	ActionFailed     ActionType = "failed"
	ActionPause      ActionType = "pause"
	ActionContinue   ActionType = "continue"
	ActionInvalidate ActionType = "invalidate"
	ActionSetState   ActionType = "setState"
)

// Action is a state transition applied to a query. Only the fields relevant to Type
// are set.
type Action struct {
	Type ActionType

	// fetch
	Meta     map[string]any
	CanFetch bool

	// success
	Data      any
	UpdatedAt time.Time
	// Manual marks SetData writes, which leave fetch bookkeeping untouched.
	Manual bool

	// error and failed
	Error        error
	FailureCount int

	// setState
	State State
}

// reduce returns the state after applying a. It is a pure function of its inputs.
func reduce(s State, a Action, now time.Time) State {
	switch a.Type {
	case ActionFailed:
		s.FetchFailureCount = a.FailureCount
		s.FetchFailureReason = a.Error
	case ActionPause:
		s.FetchStatus = FetchStatusPaused
	case ActionContinue:
		s.FetchStatus = FetchStatusFetching
	case ActionFetch:
		s = fetchState(s, a.CanFetch)
		s.FetchMeta = a.Meta
	case ActionSuccess:
		s.Data = a.Data
		s.DataUpdateCount++
		s.DataUpdatedAt = a.UpdatedAt
		if s.DataUpdatedAt.IsZero() {
			s.DataUpdatedAt = now
		}
		s.Error = nil
		s.IsInvalidated = false
		s.Status = StatusSuccess
		if !a.Manual {
			s.FetchStatus = FetchStatusIdle
			s.FetchFailureCount = 0
			s.FetchFailureReason = nil
		}
	case ActionError:
		s.Error = a.Error
		s.ErrorUpdateCount++
		s.ErrorUpdatedAt = now
		s.FetchFailureCount++
		s.FetchFailureReason = a.Error
		s.FetchStatus = FetchStatusIdle
		s.Status = StatusError
	case ActionInvalidate:
		s.IsInvalidated = true
	case ActionSetState:
		s = a.State
	}
	return s
}

// fetchState is the state a query enters when a fetch starts. A query without data
// goes back to pending.
func fetchState(s State, canFetch bool) State {
	s.FetchFailureCount = 0
	s.FetchFailureReason = nil
	if canFetch {
		s.FetchStatus = FetchStatusFetching
	} else {
		s.FetchStatus = FetchStatusPaused
	}
	if s.Data == nil {
		s.Error = nil
		s.Status = StatusPending
	}
	return s
}

// initialState builds the state of a new query, seeding InitialData when provided.
func initialState(opts Options) State {
	s := State{Status: StatusPending, FetchStatus: FetchStatusIdle}
	if opts.InitialData == nil {
		return s
	}
	data := opts.InitialData()
	if data == nil {
		return s
	}
	s.Data = data
	s.Status = StatusSuccess
	s.DataUpdatedAt = opts.InitialDataUpdatedAt
	if s.DataUpdatedAt.IsZero() {
		s.DataUpdatedAt = time.Now()
	}
	return s
}

func canFetch(opts Options, online retry.OnlineChecker) bool {
	return retry.CanFetch(opts.NetworkMode, online)
}
