package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/alert"
	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/audit/recorder"
	"mercator-hq/warden/pkg/audit/retention"
	"mercator-hq/warden/pkg/audit/storage"
	"mercator-hq/warden/pkg/cli"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/detect"
	"mercator-hq/warden/pkg/enforcement"
	"mercator-hq/warden/pkg/policy/engine"
	"mercator-hq/warden/pkg/policy/manager"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/server"
	"mercator-hq/warden/pkg/telemetry/health"
	"mercator-hq/warden/pkg/telemetry/logging"
	"mercator-hq/warden/pkg/telemetry/metrics"
	"mercator-hq/warden/pkg/telemetry/tracing"
	"mercator-hq/warden/pkg/usage"
)

var runFlags struct {
	listenAddress string
	mode          string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the gateway with the specified configuration.

The gateway listens on the configured address and governs every request to a
configured LLM endpoint. Send SIGHUP to reload policies and enforcement state
without restarting.

Examples:
  # Start with the default config
  warden run

  # Start with a custom config
  warden run --config /etc/warden/config.yaml

  # Start in observe mode regardless of the config
  warden run --mode observe

  # Validate the configuration and policies without listening
  warden run --dry-run`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.mode, "mode", "", "override enforcement mode (observe, advisory, enforce)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config and policies without starting the server")
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.mode != "" {
		cfg.Mode = runFlags.mode
	}

	logger, err := logging.Setup(cfg.Telemetry.Logging, os.Stderr)
	if err != nil {
		return cli.NewConfigError("telemetry.logging", "invalid logging configuration", err)
	}

	ctx, stop := cli.SignalContext(cmd.Context())
	defer stop()

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	out := cmd.OutOrStdout()
	res := gw.manager.LastReload()
	cli.Success(out, "Loaded %d policies from %s", len(res.Loaded), gw.manager.PolicyDir())
	for name, ferr := range res.Failed {
		cli.Failure(out, "Policy %s: %v", name, ferr)
	}
	cli.Success(out, "Enforcement mode: %s", gw.engine.Mode())

	if runFlags.dryRun {
		if len(res.Failed) > 0 {
			return cli.NewCommandError("run", fmt.Errorf("%d policies failed to load", len(res.Failed)))
		}
		cli.Success(out, "Configuration is valid")
		return nil
	}

	hangups, stopHangups := cli.Hangups()
	defer stopHangups()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hangups:
				gw.reload(ctx)
			}
		}
	}()

	cli.Success(out, "Listening on %s", cfg.Server.ListenAddress)
	logger.Info("warden starting",
		"version", Version,
		"listen_address", cfg.Server.ListenAddress,
		"mode", gw.engine.Mode(),
		"endpoints", len(cfg.Endpoints),
	)

	if err := gw.server.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}

// gateway holds the running components and closes them in reverse order
// of construction.
type gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	tracer    *tracing.Tracer
	collector *metrics.Collector
	store     audit.Storage
	recorder  *recorder.Recorder
	state     *enforcement.SQLiteStateStore
	engine    *enforcement.Engine
	manager   *manager.Manager
	alerts    *alert.Dispatcher
	scheduler *retention.Scheduler
	server    *server.Server
}

// newGateway builds every component from cfg and loads policies. On error
// everything built so far is closed.
func newGateway(ctx context.Context, cfg *config.Config) (_ *gateway, err error) {
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return nil, cli.NewConfigError("mode", err.Error(), err)
	}

	gw := &gateway{
		cfg:    cfg,
		logger: slog.Default().With("component", "gateway"),
	}
	defer func() {
		if err != nil {
			gw.Close()
		}
	}()

	gw.tracer, err = tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}
	gw.collector = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	gw.store, err = storage.New(&cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit storage: %w", err)
	}
	gw.recorder = recorder.NewRecorder(gw.store, recorder.ConfigFrom(&cfg.Audit.Recorder), recorder.WithObserver(gw.collector))

	opts := []enforcement.Option{enforcement.WithEventSink(gw.recorder)}
	if cfg.Enforcement.StatePath != "" {
		gw.state, err = enforcement.NewSQLiteStateStore(enforcement.SQLiteStateStoreConfig{
			Path:        cfg.Enforcement.StatePath,
			BusyTimeout: cfg.Audit.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open enforcement state: %w", err)
		}
		opts = append(opts, enforcement.WithStore(gw.state))
	}
	if runFlags.mode != "" {
		opts = append(opts, enforcement.WithPinnedMode())
	}
	gw.engine, err = enforcement.NewEngine(&cfg.Enforcement, mode, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcement engine: %w", err)
	}
	if _, err = gw.engine.LoadState(ctx); err != nil {
		return nil, err
	}

	counter := usage.NewCounter(cfg.Usage.DailyThreshold)
	if serr := counter.Seed(ctx, gw.store); serr != nil {
		gw.logger.Warn("usage counts not seeded", "error", serr)
	}

	evaluator := manager.NewEvaluatorFromConfig(&cfg.Policies, engine.NewRegoCapability(), manager.WithObserver(gw.collector))
	if c := evaluator.Cache(); c != nil {
		gw.collector.WatchCache("policy", c.Stats)
	}
	gw.manager, err = manager.NewManager(&cfg.Policies, evaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy manager: %w", err)
	}
	gw.manager.OnReload(gw.collector.PolicyReloaded)
	if err = gw.manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	gw.alerts, err = alert.FromConfig(&cfg.Alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure alerts: %w", err)
	}
	gw.alerts.SetObserver(gw.collector)

	gw.scheduler = retention.NewScheduler(retention.NewPruner(gw.store, retention.ConfigFrom(&cfg.Audit.Retention)))
	if err = gw.scheduler.Start(ctx); err != nil {
		return nil, cli.NewConfigError("audit.retention.prune_schedule", err.Error(), err)
	}

	handler, err := proxy.New(cfg, proxy.Deps{
		Detector:  detect.New(time.Local),
		Evaluator: gw.manager.Evaluator(),
		Enforcer:  gw.engine,
		Recorder:  gw.recorder,
		Usage:     counter,
		Alerts:    gw.alerts,
		Observer:  gw.collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	checker := health.New(health.Options{
		Version: Version,
		Mode:    func() string { return string(gw.engine.Mode()) },
	})
	checker.RegisterCheck("audit_storage", health.StorageCheck(gw.store))
	checker.RegisterCheck("policies", health.PoliciesCheck(gw.manager))

	gw.server, err = server.NewServer(cfg, server.Routes{
		Proxy:     handler,
		Override:  proxy.OverrideHandler(gw.engine),
		Health:    checker,
		Metrics:   gw.collector.Handler(),
		Commit:    GitCommit,
		BuildTime: BuildDate,
	})
	if err != nil {
		return nil, err
	}
	checker.RegisterCheck("listener", gw.server.Health)

	return gw, nil
}

// reload re-reads policies and the persisted enforcement state, so that
// overrides granted from the command line reach a running gateway.
func (gw *gateway) reload(ctx context.Context) {
	res, err := gw.manager.Reload(ctx)
	if err != nil {
		gw.logger.Error("policy reload failed", "error", err)
	} else {
		gw.logger.Info("policies reloaded", "loaded", len(res.Loaded), "removed", len(res.Removed), "failed", len(res.Failed))
	}
	if _, err := gw.engine.LoadState(ctx); err != nil {
		gw.logger.Error("enforcement state reload failed", "error", err)
	}
}

// Close stops every component. It is safe to call on a partially built
// gateway.
func (gw *gateway) Close() error {
	var errs []error
	if gw.scheduler != nil {
		gw.scheduler.Stop()
	}
	if gw.manager != nil {
		errs = append(errs, gw.manager.Stop())
	}
	if gw.alerts != nil {
		errs = append(errs, gw.alerts.Close())
	}
	if gw.recorder != nil {
		errs = append(errs, gw.recorder.Close())
	}
	if gw.state != nil {
		errs = append(errs, gw.state.Close())
	}
	if gw.store != nil {
		errs = append(errs, gw.store.Close())
	}
	if gw.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.Server.ShutdownTimeout)
		errs = append(errs, gw.tracer.Shutdown(ctx))
		cancel()
	}
	err := errors.Join(errs...)
	if err != nil {
		gw.logger.Error("gateway shutdown incomplete", "error", err)
	}
	return err
}
