package signal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/c360/querystate/errors"
)

// CheckFunc probes connectivity. A nil error means reachable.
type CheckFunc func(ctx context.Context) error

// ProbeConfig configures a polling connectivity source.
type ProbeConfig struct {
	Check       CheckFunc
	Interval    time.Duration // default 5s
	Timeout     time.Duration // per check, default 2s
	MaxFailures int           // consecutive failures before reporting offline, default 3
	Logger      *slog.Logger
}

// ProbeSource returns an EventSource that polls cfg.Check. It reports online after a
// successful check and offline once MaxFailures consecutive checks failed. The first
// check runs immediately when the source is installed.
func ProbeSource(cfg ProbeConfig) EventSource {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connectivity_probe")

	return func(set func(bool)) func() {
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)

		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.Interval)
			defer ticker.Stop()

			failures := 0
			probe := func() {
				checkCtx, checkCancel := context.WithTimeout(ctx, cfg.Timeout)
				err := cfg.Check(checkCtx)
				checkCancel()
				if ctx.Err() != nil {
					return
				}
				if err == nil {
					if failures >= cfg.MaxFailures {
						logger.Info("Connectivity restored")
					}
					failures = 0
					set(true)
					return
				}
				failures++
				logger.Debug("Connectivity check failed", "failures", failures, "error", err)
				if failures == cfg.MaxFailures {
					logger.Warn("Connectivity lost", "failures", failures, "error", err)
					set(false)
				}
			}

			probe()
			for {
				select {
				case <-ticker.C:
					probe()
				case <-ctx.Done():
					return
				}
			}
		}()

		return func() {
			cancel()
			wg.Wait()
		}
	}
}

// HTTPCheck returns a CheckFunc issuing GET url; any 2xx or 3xx status is reachable.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errors.WrapInvalid(err, "HTTPCheck", "Check", "build request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.WrapTransient(err, "HTTPCheck", "Check", "request")
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 {
			return errors.WrapTransient(fmt.Errorf("%w: status %d", errors.ErrServiceUnavailable, resp.StatusCode),
				"HTTPCheck", "Check", "health status")
		}
		return nil
	}
}
