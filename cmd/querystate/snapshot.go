package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"time"

	"github.com/c360/querystate/client"
	"github.com/c360/querystate/config"
	"github.com/c360/querystate/health"
	"github.com/c360/querystate/hydration"
)

// snapshotter dehydrates the client to a file and hydrates it back on start. Failed
// writes mark the snapshot component degraded when a monitor is set.
type snapshotter struct {
	qc      *client.Client
	path    string
	redact  bool
	monitor *health.Monitor
	logger  *slog.Logger
}

func newSnapshotter(qc *client.Client, cfg config.SnapshotConfig, monitor *health.Monitor, logger *slog.Logger) *snapshotter {
	redact := cfg.RedactErrors == nil || *cfg.RedactErrors
	return &snapshotter{
		qc:      qc,
		path:    cfg.Path,
		redact:  redact,
		monitor: monitor,
		logger:  logger.With("component", "snapshot", "path", cfg.Path),
	}
}

// restore hydrates the client from the snapshot file. A missing file is not an error.
func (s *snapshotter) restore() error {
	data, err := config.ReadSnapshot(s.path)
	if stderrors.Is(err, os.ErrNotExist) {
		s.logger.Info("No snapshot to restore")
		return nil
	}
	if err != nil {
		return err
	}
	state, err := hydration.Unmarshal(data)
	if err != nil {
		return err
	}
	if err := hydration.Hydrate(s.qc, state, hydration.HydrateOptions{Logger: s.logger}); err != nil {
		return err
	}
	s.logger.Info("Snapshot restored", "queries", len(state.Queries), "mutations", len(state.Mutations))
	return nil
}

// save writes the dehydrated client to the snapshot file.
func (s *snapshotter) save() error {
	err := s.write()
	if s.monitor != nil {
		s.monitor.Update("snapshot", health.FromError("snapshot", health.StateDegraded, err))
	}
	return err
}

func (s *snapshotter) write() error {
	opts := hydration.DehydrateOptions{Logger: s.logger}
	if !s.redact {
		opts.ShouldRedactErrors = func(error) bool { return false }
	}
	state := hydration.Dehydrate(s.qc, opts)
	data, err := hydration.Marshal(state)
	if err != nil {
		return err
	}
	if err := config.WriteSnapshot(s.path, data); err != nil {
		return err
	}
	s.logger.Debug("Snapshot written", "queries", len(state.Queries), "mutations", len(state.Mutations))
	return nil
}

// run saves every interval until ctx is done.
func (s *snapshotter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.save(); err != nil {
				s.logger.Warn("Periodic snapshot failed", "error", err)
			}
		}
	}
}
