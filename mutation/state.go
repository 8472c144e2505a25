package mutation

import (
	"time"
)

// Status is the lifecycle status of a mutation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// State is the observable state of a mutation.
type State struct {
	Context       any       `json:"context,omitempty"`
	Data          any       `json:"data,omitempty"`
	Error         error     `json:"-"`
	FailureCount  int       `json:"failureCount"`
	FailureReason error     `json:"-"`
	IsPaused      bool      `json:"isPaused"`
	Status        Status    `json:"status"`
	Variables     any       `json:"variables,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// DefaultState is the state of a mutation that was never executed.
func DefaultState() State {
	return State{Status: StatusIdle}
}

// ActionType names a mutation state transition.
type ActionType string

const (
	ActionPending  ActionType = "pending"
	ActionSuccess  ActionType = "success"
	ActionError    ActionType = "error"
	ActionFailed   ActionType = "failed"
	ActionPause    ActionType = "pause"
	ActionContinue ActionType = "continue"
)

// Action is dispatched to a mutation and forwarded to observers and cache listeners.
type Action struct {
	Type         ActionType
	Variables    any
	Context      any
	IsPaused     bool
	Data         any
	Error        error
	FailureCount int
}

func reduce(s State, a Action, now time.Time) State {
	switch a.Type {
	case ActionFailed:
		s.FailureCount = a.FailureCount
		s.FailureReason = a.Error
	case ActionPause:
		s.IsPaused = true
	case ActionContinue:
		s.IsPaused = false
	case ActionPending:
		s = State{
			Context:     a.Context,
			IsPaused:    a.IsPaused,
			Status:      StatusPending,
			Variables:   a.Variables,
			SubmittedAt: now,
		}
	case ActionSuccess:
		s.Data = a.Data
		s.FailureCount = 0
		s.FailureReason = nil
		s.Error = nil
		s.Status = StatusSuccess
		s.IsPaused = false
	case ActionError:
		s.Data = nil
		s.Error = a.Error
		s.FailureCount++
		s.FailureReason = a.Error
		s.IsPaused = false
		s.Status = StatusError
	}
	return s
}

// Result is what a mutation observer reports to its listeners.
type Result struct {
	State
	IsIdle    bool
	IsPending bool
	IsSuccess bool
	IsError   bool
}

func buildResult(s State) Result {
	return Result{
		State:     s,
		IsIdle:    s.Status == StatusIdle,
		IsPending: s.Status == StatusPending,
		IsSuccess: s.Status == StatusSuccess,
		IsError:   s.Status == StatusError,
	}
}
