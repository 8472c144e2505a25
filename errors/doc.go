// Package errors provides standardized error handling patterns for querystate.
//
// # Overview
//
// The package implements a three-class error classification: Transient (temporary,
// retryable), Invalid (bad input, never retried) and Fatal (unrecoverable). Retry
// policies in pkg/retry consult the classification, and the work functions built by
// the fetcher and natsclient packages classify transport failures so that a 503 is
// retried while a 404 is not.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "HTTPFetcher", "Fetch", "request")
//	errors.WrapInvalid(err, "QueryCache", "Build", "hash key")
//	errors.WrapFatal(err, "Config", "Load", "parse file")
//
// # Standard Error Variables
//
//   - Queries and mutations: ErrUndefinedData, ErrMissingQueryFn, ErrMissingMutationFn,
//     ErrInvalidKey, ErrSelectFailed
//   - Connection issues: ErrNoConnection, ErrConnectionLost, ErrConnectionTimeout,
//     ErrServiceUnavailable
//   - Data processing: ErrInvalidData, ErrDataCorrupted, ErrParsingFailed
//   - Configuration: ErrInvalidConfig, ErrMissingConfig, ErrConfigNotFound
//   - Limits: ErrRateLimited, and ErrMaxRetriesExceeded from retry.Do
//
// A work function returning a nil value fails with ErrUndefinedData: nil is the
// cache's "no data" marker and can never be stored as a successful result.
//
// # Cancellation
//
// context.Canceled is deliberately not classified as transient. Cancelling a fetch is
// a control signal, not a failure, and is represented by retry.CancelledError.
// context.DeadlineExceeded stays transient.
//
// # Integration with errors.As/Is
//
//	var ce *errors.ClassifiedError
//	if errors.As(err, &ce) {
//	    logger.Warn("fetch failed", "component", ce.Component, "class", ce.Class)
//	}
//
// # Thread Safety
//
// All classification and wrapping operations are safe for concurrent use.
package errors
