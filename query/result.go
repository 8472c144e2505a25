package query

import (
	"time"

	"github.com/c360/querystate/pkg/structural"
)

// Result is what an observer reports to its listeners.
type Result struct {
	Status         Status
	FetchStatus    FetchStatus
	Data           any
	DataUpdatedAt  time.Time
	Error          error
	ErrorUpdatedAt time.Time

	FailureCount     int
	FailureReason    error
	ErrorUpdateCount int

	IsPending           bool
	IsSuccess           bool
	IsError             bool
	IsLoading           bool
	IsFetching          bool
	IsRefetching        bool
	IsPaused            bool
	IsLoadingError      bool
	IsRefetchError      bool
	IsStale             bool
	IsFetched           bool
	IsFetchedAfterMount bool
	IsPlaceholderData   bool
	IsEnabled           bool
}

// Prop names a Result field for change tracking.
type Prop string

const (
	// PropAll notifies on any change.
	PropAll Prop = "all"

	PropStatus              Prop = "status"
	PropFetchStatus         Prop = "fetchStatus"
	PropData                Prop = "data"
	PropDataUpdatedAt       Prop = "dataUpdatedAt"
	PropError               Prop = "error"
	PropErrorUpdatedAt      Prop = "errorUpdatedAt"
	PropFailureCount        Prop = "failureCount"
	PropFailureReason       Prop = "failureReason"
	PropErrorUpdateCount    Prop = "errorUpdateCount"
	PropIsPending           Prop = "isPending"
	PropIsSuccess           Prop = "isSuccess"
	PropIsError             Prop = "isError"
	PropIsLoading           Prop = "isLoading"
	PropIsFetching          Prop = "isFetching"
	PropIsRefetching        Prop = "isRefetching"
	PropIsPaused            Prop = "isPaused"
	PropIsLoadingError      Prop = "isLoadingError"
	PropIsRefetchError      Prop = "isRefetchError"
	PropIsStale             Prop = "isStale"
	PropIsFetched           Prop = "isFetched"
	PropIsFetchedAfterMount Prop = "isFetchedAfterMount"
	PropIsPlaceholderData   Prop = "isPlaceholderData"
	PropIsEnabled           Prop = "isEnabled"
)

// ChangedProps lists the fields that differ between prev and next. Data is compared
// by identity, so a structurally shared value counts as unchanged.
func ChangedProps(prev, next Result) []Prop {
	var out []Prop
	add := func(changed bool, p Prop) {
		if changed {
			out = append(out, p)
		}
	}
	add(prev.Status != next.Status, PropStatus)
	add(prev.FetchStatus != next.FetchStatus, PropFetchStatus)
	add(!structural.Identical(prev.Data, next.Data), PropData)
	add(!prev.DataUpdatedAt.Equal(next.DataUpdatedAt), PropDataUpdatedAt)
	add(!sameError(prev.Error, next.Error), PropError)
	add(!prev.ErrorUpdatedAt.Equal(next.ErrorUpdatedAt), PropErrorUpdatedAt)
	add(prev.FailureCount != next.FailureCount, PropFailureCount)
	add(!sameError(prev.FailureReason, next.FailureReason), PropFailureReason)
	add(prev.ErrorUpdateCount != next.ErrorUpdateCount, PropErrorUpdateCount)
	add(prev.IsPending != next.IsPending, PropIsPending)
	add(prev.IsSuccess != next.IsSuccess, PropIsSuccess)
	add(prev.IsError != next.IsError, PropIsError)
	add(prev.IsLoading != next.IsLoading, PropIsLoading)
	add(prev.IsFetching != next.IsFetching, PropIsFetching)
	add(prev.IsRefetching != next.IsRefetching, PropIsRefetching)
	add(prev.IsPaused != next.IsPaused, PropIsPaused)
	add(prev.IsLoadingError != next.IsLoadingError, PropIsLoadingError)
	add(prev.IsRefetchError != next.IsRefetchError, PropIsRefetchError)
	add(prev.IsStale != next.IsStale, PropIsStale)
	add(prev.IsFetched != next.IsFetched, PropIsFetched)
	add(prev.IsFetchedAfterMount != next.IsFetchedAfterMount, PropIsFetchedAfterMount)
	add(prev.IsPlaceholderData != next.IsPlaceholderData, PropIsPlaceholderData)
	add(prev.IsEnabled != next.IsEnabled, PropIsEnabled)
	return out
}

func sameError(a, b error) bool {
	return structural.Identical(a, b)
}

// buildResult derives the observer-facing flags from a state that already carries
// the observer's data, status and error.
func buildResult(s State, data any, status Status, err error, errorUpdatedAt time.Time, initial State) Result {
	isFetching := s.FetchStatus == FetchStatusFetching
	isPending := status == StatusPending
	isError := status == StatusError
	hasData := data != nil
	return Result{
		Status:              status,
		FetchStatus:         s.FetchStatus,
		Data:                data,
		DataUpdatedAt:       s.DataUpdatedAt,
		Error:               err,
		ErrorUpdatedAt:      errorUpdatedAt,
		FailureCount:        s.FetchFailureCount,
		FailureReason:       s.FetchFailureReason,
		ErrorUpdateCount:    s.ErrorUpdateCount,
		IsPending:           isPending,
		IsSuccess:           status == StatusSuccess,
		IsError:             isError,
		IsLoading:           isPending && isFetching,
		IsFetching:          isFetching,
		IsRefetching:        isFetching && !isPending,
		IsPaused:            s.FetchStatus == FetchStatusPaused,
		IsLoadingError:      isError && !hasData,
		IsRefetchError:      isError && hasData,
		IsFetched:           s.DataUpdateCount > 0 || s.ErrorUpdateCount > 0,
		IsFetchedAfterMount: s.DataUpdateCount > initial.DataUpdateCount || s.ErrorUpdateCount > initial.ErrorUpdateCount,
	}
}
