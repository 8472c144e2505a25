package hydration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/mutation"
	"github.com/c360/querystate/pkg/keyhash"
	"github.com/c360/querystate/query"
)

// redactedMessage replaces the message of errors that must not leave the process.
const redactedMessage = "redacted"

// RemoteError is an error restored from a snapshot. Only its message survives.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

func errorRecord(err error, redact func(error) bool) *RemoteError {
	if err == nil {
		return nil
	}
	if redact(err) {
		return &RemoteError{Message: redactedMessage}
	}
	return &RemoteError{Message: errors.Message(err)}
}

func restoredError(r *RemoteError) error {
	if r == nil {
		return nil
	}
	return r
}

// QueryState is the serializable form of query.State.
type QueryState struct {
	Data               any               `json:"data,omitempty"`
	DataUpdateCount    int               `json:"dataUpdateCount"`
	DataUpdatedAt      time.Time         `json:"dataUpdatedAt,omitzero"`
	Error              *RemoteError      `json:"error,omitempty"`
	ErrorUpdateCount   int               `json:"errorUpdateCount"`
	ErrorUpdatedAt     time.Time         `json:"errorUpdatedAt,omitzero"`
	FetchFailureCount  int               `json:"fetchFailureCount"`
	FetchFailureReason *RemoteError      `json:"fetchFailureReason,omitempty"`
	FetchMeta          map[string]any    `json:"fetchMeta,omitempty"`
	IsInvalidated      bool              `json:"isInvalidated"`
	Status             query.Status      `json:"status"`
	FetchStatus        query.FetchStatus `json:"fetchStatus"`
}

// DehydratedQuery is the snapshot record of one query.
type DehydratedQuery struct {
	QueryHash    string         `json:"queryHash"`
	QueryKey     keyhash.Key    `json:"queryKey"`
	State        QueryState     `json:"state"`
	Status       query.Status   `json:"status"`
	DehydratedAt time.Time      `json:"dehydratedAt"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// MutationState is the serializable form of mutation.State.
type MutationState struct {
	Context       any             `json:"context,omitempty"`
	Data          any             `json:"data,omitempty"`
	Error         *RemoteError    `json:"error,omitempty"`
	FailureCount  int             `json:"failureCount"`
	FailureReason *RemoteError    `json:"failureReason,omitempty"`
	IsPaused      bool            `json:"isPaused"`
	Status        mutation.Status `json:"status"`
	Variables     any             `json:"variables,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt,omitzero"`
}

// DehydratedMutation is the snapshot record of one mutation.
type DehydratedMutation struct {
	MutationKey keyhash.Key     `json:"mutationKey,omitempty"`
	State       MutationState   `json:"state"`
	Scope       *mutation.Scope `json:"scope,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
}

// DehydratedState is a transportable snapshot of a client's caches.
type DehydratedState struct {
	Mutations []DehydratedMutation `json:"mutations"`
	Queries   []DehydratedQuery    `json:"queries"`
}

// Marshal encodes s as JSON.
func Marshal(s DehydratedState) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "hydration", "Marshal", "encode dehydrated state")
	}
	return b, nil
}

// Unmarshal decodes a snapshot produced by Marshal. Numbers decode as float64, which
// hashes the same as the integer keys they came from.
func Unmarshal(b []byte) (DehydratedState, error) {
	var s DehydratedState
	if err := json.Unmarshal(b, &s); err != nil {
		return DehydratedState{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"hydration", "Unmarshal", "decode dehydrated state")
	}
	return s, nil
}

func queryStateRecord(s query.State, data any, redact func(error) bool) QueryState {
	return QueryState{
		Data:               data,
		DataUpdateCount:    s.DataUpdateCount,
		DataUpdatedAt:      s.DataUpdatedAt,
		Error:              errorRecord(s.Error, redact),
		ErrorUpdateCount:   s.ErrorUpdateCount,
		ErrorUpdatedAt:     s.ErrorUpdatedAt,
		FetchFailureCount:  s.FetchFailureCount,
		FetchFailureReason: errorRecord(s.FetchFailureReason, redact),
		FetchMeta:          s.FetchMeta,
		IsInvalidated:      s.IsInvalidated,
		Status:             s.Status,
		FetchStatus:        s.FetchStatus,
	}
}

func (r QueryState) state(data any) query.State {
	return query.State{
		Data:               data,
		DataUpdateCount:    r.DataUpdateCount,
		DataUpdatedAt:      r.DataUpdatedAt,
		Error:              restoredError(r.Error),
		ErrorUpdateCount:   r.ErrorUpdateCount,
		ErrorUpdatedAt:     r.ErrorUpdatedAt,
		FetchFailureCount:  r.FetchFailureCount,
		FetchFailureReason: restoredError(r.FetchFailureReason),
		FetchMeta:          r.FetchMeta,
		IsInvalidated:      r.IsInvalidated,
		Status:             r.Status,
		FetchStatus:        r.FetchStatus,
	}
}

func mutationStateRecord(s mutation.State, redact func(error) bool) MutationState {
	return MutationState{
		Context:       s.Context,
		Data:          s.Data,
		Error:         errorRecord(s.Error, redact),
		FailureCount:  s.FailureCount,
		FailureReason: errorRecord(s.FailureReason, redact),
		IsPaused:      s.IsPaused,
		Status:        s.Status,
		Variables:     s.Variables,
		SubmittedAt:   s.SubmittedAt,
	}
}

func (r MutationState) state() mutation.State {
	return mutation.State{
		Context:       r.Context,
		Data:          r.Data,
		Error:         restoredError(r.Error),
		FailureCount:  r.FailureCount,
		FailureReason: restoredError(r.FailureReason),
		IsPaused:      r.IsPaused,
		Status:        r.Status,
		Variables:     r.Variables,
		SubmittedAt:   r.SubmittedAt,
	}
}
