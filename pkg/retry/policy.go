package retry

import (
	"math"
	"time"

	errs "github.com/c360/querystate/errors"
)

// Policy decides whether a failed attempt is retried. failureCount is the number of
// failures recorded before this one.
type Policy func(failureCount int, err error) bool

// DelayFunc returns the wait before the next attempt.
type DelayFunc func(failureCount int, err error) time.Duration

// Times retries up to n times after the first attempt.
func Times(n int) Policy {
	return func(failureCount int, _ error) bool {
		return failureCount < n
	}
}

// Always retries forever.
func Always() Policy {
	return func(int, error) bool { return true }
}

// Never disables retries.
func Never() Policy {
	return func(int, error) bool { return false }
}

// TransientOnly retries up to n times, and only errors classified as transient.
func TransientOnly(n int) Policy {
	return func(failureCount int, err error) bool {
		return failureCount < n && errs.IsTransient(err)
	}
}

// DefaultDelay is min(1s * 2^failureCount, 30s).
func DefaultDelay(failureCount int, _ error) time.Duration {
	return ExponentialDelay(time.Second, 30*time.Second)(failureCount, nil)
}

// ExponentialDelay doubles base per recorded failure, capped at limit.
func ExponentialDelay(base, limit time.Duration) DelayFunc {
	return func(failureCount int, _ error) time.Duration {
		if failureCount < 0 {
			failureCount = 0
		}
		d := float64(base) * math.Pow(2, float64(failureCount))
		if d > float64(limit) {
			return limit
		}
		return time.Duration(d)
	}
}

// ConstantDelay waits d between every attempt.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}
