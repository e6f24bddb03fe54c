package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/GoCodeAlone/rollout/config"
	"github.com/GoCodeAlone/rollout/deploy"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/migration"
	"github.com/GoCodeAlone/rollout/observability/metrics"
	"github.com/GoCodeAlone/rollout/observability/sla"
	"github.com/GoCodeAlone/rollout/observability/tracing"
)

const shutdownTimeout = 15 * time.Second

func runServe(args []string) error {
	var g globalFlags
	fs := newFlagSet("serve", &g)
	listen := fs.String("listen", "", "Admin API listen address (default from config)")
	watch := fs.Bool("watch", true, "Reload the config file when it changes")
	poll := fs.Duration("poll", 0, "Also poll the config file at this interval (0 disables)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: rolloutctl serve [options]\n\nRun the health monitor, the orchestrator and the admin API until\ninterrupted.\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(&g)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if *listen != "" {
		cfg.Admin.Listen = *listen
	}

	ctx, cancel := signalContext(0)
	defer cancel()

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	collector := metrics.NewCollector("")
	slaMonitor := sla.NewMonitor(sla.DefaultConfig())

	reg, err := a.registry(ctx)
	if err != nil {
		return err
	}
	tc, err := a.trafficController(reg, collector)
	if err != nil {
		return err
	}
	monitor := a.healthMonitor(reg, health.Observers{collector, slaMonitor})

	flags, static, err := a.flagService()
	if err != nil {
		return err
	}

	deps := orchestratorDeps{
		registry: reg,
		traffic:  tc,
		health:   monitor,
		flags:    flags,
		observer: collector,
	}
	var runner *migration.Runner
	if cfg.Database.DSN != "" {
		if runner, _, err = a.runner(ctx, collector); err != nil {
			return err
		}
		deps.migrator = a.migrator(runner)
	}
	orch, err := a.orchestrator(deps)
	if err != nil {
		return err
	}
	strategies, err := a.strategies()
	if err != nil {
		return err
	}

	// Only feature flags and the persisted environment state are picked up
	// live. Everything else is logged by the reloader as needing a restart.
	reloader, err := config.NewReloader(ctx, config.NewFileSource(g.configPath),
		func(ctx context.Context, _, next *config.Config, changed []string) error {
			if static != nil && slices.Contains(changed, "flags") {
				static.Replace(next.Flags.Static)
			}
			return reg.Reload(ctx)
		}, a.logger.With("component", "config"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		a.logger.Info("config reload disabled, no config file", "path", g.configPath)
		reloader = nil
	}
	if reloader != nil {
		if *watch {
			w := config.NewWatcher(config.NewFileSource(g.configPath), reloader.HandleChange,
				config.WithWatchLogger(a.logger.With("component", "config")))
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop() //nolint:errcheck
		}
		if *poll > 0 {
			p := config.NewPoller(config.NewFileSource(g.configPath), *poll, reloader.HandleChange,
				a.logger.With("component", "config"))
			if err := p.Start(ctx); err != nil {
				return err
			}
			defer p.Stop()
		}
	}

	opts := []deploy.HandlerOption{
		deploy.WithStrategies(strategies),
		deploy.WithMetrics(collector.Handler()),
		deploy.WithMiddleware(tracing.SpanMiddleware),
		deploy.WithHandlerLogger(a.logger.With("component", "admin")),
	}
	if runner != nil {
		opts = append(opts, deploy.WithMigrations(runner))
	}
	if reloader != nil {
		opts = append(opts, deploy.WithReload(reloader.Reload))
	} else {
		opts = append(opts, deploy.WithReload(reg.Reload))
	}
	router := deploy.NewHandler(orch, reg, opts...).Router()
	router.Get("/api/v1/sla", slaMonitor.Handler())

	// Make nginx match the persisted split before anything else changes it.
	if err := tc.Sync(ctx); err != nil {
		return fmt.Errorf("sync traffic config: %w", err)
	}

	unsubscribe := monitor.Subscribe(func(ev health.Event) {
		go orch.HandleUnhealthy(ctx, ev)
	})
	defer unsubscribe()
	go monitor.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin API listening", "addr", cfg.Admin.Listen,
			"active", reg.Active(), "split", reg.Split().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	return srv.Shutdown(sctx)
}
