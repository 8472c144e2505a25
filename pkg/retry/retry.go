package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/c360/querystate/errors"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config describes a bounded exponential backoff. It converts into a Policy and a
// DelayFunc for the Retryer.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = no retry, just run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries (useful during startup)
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a config for long-running retries (useful for critical resources)
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (cfg Config) normalize() (Config, error) {
	if cfg.InitialDelay < 0 {
		return cfg, errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return cfg, errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return cfg, errors.New("retry: Multiplier cannot be negative")
	}
	// Prevent overflow with extremely large multipliers
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return cfg, nil
}

// Policy retries until MaxAttempts attempts were made.
func (cfg Config) Policy() Policy {
	if cfg.MaxAttempts <= 1 {
		return Never()
	}
	return Times(cfg.MaxAttempts - 1)
}

// Delay returns InitialDelay * Multiplier^failureCount capped at MaxDelay, plus up to
// 25% jitter when AddJitter is set.
func (cfg Config) Delay() DelayFunc {
	return func(failureCount int, _ error) time.Duration {
		delay := cfg.InitialDelay
		for i := 0; i < failureCount; i++ {
			next := float64(delay) * cfg.Multiplier
			if next > float64(cfg.MaxDelay) || next > float64(time.Duration(1<<63-1)) {
				delay = cfg.MaxDelay
				break
			}
			delay = time.Duration(next)
		}
		if cfg.AddJitter && delay >= 4 {
			randMu.Lock()
			jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
			delay += jitter
		}
		return delay
	}
}

// Do executes fn with exponential backoff retry. Cancelling ctx aborts the backoff
// wait and returns immediately.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	var attempts atomic.Int32
	r := New(Options[struct{}]{
		Context: ctx,
		Fn: func(context.Context) (struct{}, error) {
			attempts.Add(1)
			return struct{}{}, fn()
		},
		Retry:       cfg.Policy(),
		RetryDelay:  cfg.Delay(),
		NetworkMode: NetworkModeAlways,
	})
	stop := context.AfterFunc(ctx, func() {
		r.Cancel(CancelOptions{})
	})
	defer stop()

	_, err = r.Start().Wait(context.Background())
	switch {
	case err == nil:
		return nil
	case IsCancelled(err):
		return fmt.Errorf("retry cancelled after %d attempts: %w", attempts.Load(), ctx.Err())
	case IsNonRetryable(err):
		return err
	default:
		return fmt.Errorf("retry failed after %d attempts: %w: %w", attempts.Load(), errs.ErrMaxRetriesExceeded, err)
	}
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := Do(ctx, cfg, func() error {
		v, innerErr := fn()
		mu.Lock()
		result = v
		mu.Unlock()
		return innerErr
	})
	mu.Lock()
	defer mu.Unlock()
	return result, err
}
