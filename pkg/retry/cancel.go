package retry

import "errors"

// CancelOptions controls how an in-flight operation is cancelled.
type CancelOptions struct {
	// Revert asks the owner to restore the state captured before the operation started.
	Revert bool
	// Silent suppresses error reporting; used when a newer operation supersedes this one.
	Silent bool
}

// CancelledError is the rejection reason of a cancelled Retryer. It is a control
// signal, not a failure, and is never recorded as an error state.
type CancelledError struct {
	Revert bool
	Silent bool
}

func (e *CancelledError) Error() string {
	return "CancelledError"
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// AsCancelled extracts the CancelledError from err.
func AsCancelled(err error) (*CancelledError, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
