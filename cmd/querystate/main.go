// Package main implements the querystate daemon. It keeps a configured set of
// queries observed against HTTP and NATS sources, follows connectivity, and persists
// the cache to a snapshot file across restarts.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/querystate/client"
	"github.com/c360/querystate/config"
	"github.com/c360/querystate/errors"
	"github.com/c360/querystate/fetcher"
	"github.com/c360/querystate/health"
	"github.com/c360/querystate/metric"
	"github.com/c360/querystate/natsclient"
	"github.com/c360/querystate/pkg/retry"
	"github.com/c360/querystate/pkg/tlsutil"
	qsignal "github.com/c360/querystate/signal"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "querystate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cm, err := loadConfiguration(cliCfg, logger)
	if err != nil {
		return err
	}
	defer cm.Stop()

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cm.GetConfig().Get(), logger)
	if err != nil {
		return err
	}

	runErr := d.run(ctx, cm)
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
	logger.Info("querystate shutdown complete")
	return runErr
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting querystate",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)

	return cliCfg, logger, false, nil
}

// loadConfiguration layers every config file and validates the result
func loadConfiguration(cliCfg *CLIConfig, logger *slog.Logger) (*config.Manager, error) {
	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	cm, err := config.NewManager(loader, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cm, nil
}

// daemon owns the client and the infrastructure feeding it.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry      *metric.MetricsRegistry
	metricsServer *metric.Server
	monitor       *health.Monitor
	qc            *client.Client
	nc            *natsclient.Client
	watcher       *watcher
	invalidator   *invalidator
	snapshot      *snapshotter
	unsubscribes  []func()
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, monitor: health.NewMonitor(logger)}
	if cfg.Metrics.Enabled {
		d.registry = metric.NewMetricsRegistry()
	}
	prefix := cfg.Metrics.Prefix
	if prefix == "" {
		prefix = appName
	}

	qc, err := client.New(
		client.WithLogger(logger),
		client.WithServerMode(cfg.Client.ServerMode),
		client.WithMetrics(d.registry, prefix),
		client.WithDefaultOptions(client.DefaultOptions{
			Queries:   cfg.Client.Queries.Options(),
			Mutations: cfg.Client.Mutations.Options(),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	d.qc = qc

	var src sources
	if needsNATS(cfg) {
		nc, err := connectNATS(ctx, cfg.NATS, d.registry, logger)
		if err != nil {
			return nil, err
		}
		d.nc = nc
		src.nats = nc
		d.monitor.UpdateHealthy("nats", "connected")
		d.unsubscribes = append(d.unsubscribes, nc.OnStatusChange(func(connected bool) {
			if connected {
				d.monitor.UpdateHealthy("nats", "connected")
				return
			}
			d.monitor.UpdateUnhealthy("nats", nc.Status().String())
		}))
	}
	if needsHTTP(cfg) {
		tlsConfig, err := tlsutil.LoadClientConfig(cfg.HTTP.TLS)
		if err != nil {
			return nil, fmt.Errorf("load http TLS: %w", err)
		}
		f, err := fetcher.NewHTTP(fetcher.Config{
			BaseURL:   cfg.HTTP.BaseURL,
			Timeout:   cfg.HTTP.Timeout.Std(),
			RateLimit: cfg.HTTP.RateLimit,
			Burst:     cfg.HTTP.Burst,
			Headers:   cfg.HTTP.Headers,
			TLS:       tlsConfig,
		}, fetcher.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create http fetcher: %w", err)
		}
		src.http = f
	}

	if err := d.setupOnline(); err != nil {
		return nil, err
	}
	qc.Mount()
	d.unsubscribes = append(d.unsubscribes, qc.OnlineManager().Subscribe(func(online bool) {
		if online {
			d.monitor.UpdateHealthy("online", "online")
			return
		}
		d.monitor.UpdateDegraded("online", "offline, fetches paused")
	}))

	if cfg.Snapshot.Path != "" {
		d.snapshot = newSnapshotter(qc, cfg.Snapshot, d.monitor, logger)
		if err := d.snapshot.restore(); err != nil {
			logger.Warn("Snapshot restore failed, starting empty", "error", err)
		}
	}

	d.watcher = newWatcher(qc, src, d.monitor, logger)

	if d.registry != nil {
		d.metricsServer = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, d.registry, func() error {
			return d.monitor.Check(appName)
		})
		if err := d.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server started", "address", d.metricsServer.Address())
	}
	return d, nil
}

func needsNATS(cfg *config.Config) bool {
	if cfg.Online.Source == config.OnlineNATS || cfg.NATS.InvalidateSubject != "" {
		return true
	}
	for _, q := range cfg.Queries {
		if q.Source == config.SourceNATS {
			return true
		}
	}
	return false
}

func needsHTTP(cfg *config.Config) bool {
	if cfg.HTTP.BaseURL != "" {
		return true
	}
	for _, q := range cfg.Queries {
		if q.Source == config.SourceHTTP {
			return true
		}
	}
	return false
}

// connectNATS creates the NATS client and waits for the first connection
func connectNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
		natsclient.WithRequestTimeout(cfg.RequestTimeout.Std()),
		natsclient.WithConnectRetry(retry.Config{
			MaxAttempts:  cfg.ConnectRetries,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if registry != nil {
		opts = append(opts, natsclient.WithMetrics(registry))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS: %w", err)
	}
	opts = append(opts, natsclient.WithTLSConfig(tlsConfig))

	nc, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// setupOnline installs the configured connectivity source.
func (d *daemon) setupOnline() error {
	online := d.cfg.Online
	switch online.Source {
	case config.OnlineNATS:
		d.qc.OnlineManager().SetEventListener(d.nc.OnlineSource())
	case config.OnlineProbe:
		d.qc.OnlineManager().SetEventListener(qsignal.ProbeSource(qsignal.ProbeConfig{
			Check:       qsignal.HTTPCheck(&http.Client{Timeout: online.ProbeTimeout.Std()}, online.ProbeURL),
			Interval:    online.ProbeInterval.Std(),
			Timeout:     online.ProbeTimeout.Std(),
			MaxFailures: online.MaxFailures,
			Logger:      d.logger,
		}))
	case config.OnlineNone, "":
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "daemon", "setupOnline", "unknown online source "+online.Source)
	}
	d.logger.Info("Online source installed", "source", online.Source)
	return nil
}

// run watches the configured queries and handles reloads until ctx is done.
func (d *daemon) run(ctx context.Context, cm *config.Manager) error {
	if d.nc != nil && d.cfg.NATS.InvalidateSubject != "" {
		inv, err := newInvalidator(d.qc, d.registry, d.logger)
		if err != nil {
			return err
		}
		if err := inv.start(ctx); err != nil {
			return fmt.Errorf("start invalidator: %w", err)
		}
		d.invalidator = inv
		if err := d.nc.Subscribe(ctx, d.cfg.NATS.InvalidateSubject, inv.handle); err != nil {
			return fmt.Errorf("subscribe to invalidations: %w", err)
		}
		d.logger.Info("Listening for invalidations", "subject", d.cfg.NATS.InvalidateSubject)
	}

	queries := cm.OnChange("queries")
	sections := cm.OnChange("*")
	<-sections

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	if d.snapshot != nil && d.cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			d.snapshot.run(gctx, d.cfg.Snapshot.Interval.Std())
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				changed, err := cm.Reload()
				if err != nil {
					d.logger.Error("Configuration reload failed", "error", err)
					continue
				}
				d.logger.Info("Configuration reloaded", "changed", changed)
			case u, ok := <-queries:
				if !ok {
					return nil
				}
				if err := d.watcher.apply(u.Config.Get().Queries); err != nil {
					d.logger.Error("Some queries could not be watched", "error", err)
				}
			case u, ok := <-sections:
				if !ok {
					return nil
				}
				if u.Path != "queries" {
					d.logger.Warn("Configuration section changed, restart to apply", "section", u.Path)
				}
			}
		}
	})
	return g.Wait()
}

// shutdown stops watching, writes the final snapshot and releases connections.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	d.watcher.stop()
	for _, unsubscribe := range d.unsubscribes {
		unsubscribe()
	}
	if d.invalidator != nil {
		if err := d.invalidator.stop(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("stop invalidator: %w", err))
		}
	}
	if d.snapshot != nil {
		if err := d.snapshot.save(); err != nil {
			errs = append(errs, fmt.Errorf("write snapshot: %w", err))
		}
	}
	d.qc.Unmount()
	if d.nc != nil {
		if err := d.nc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
