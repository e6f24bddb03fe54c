package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/namsral/flag"

	"github.com/GoCodeAlone/rollout/config"
	"github.com/GoCodeAlone/rollout/deploy"
	"github.com/GoCodeAlone/rollout/docker"
	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/featureflag"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/migration"
	"github.com/GoCodeAlone/rollout/traffic"
)

const (
	envPrefix         = "ROLLOUT"
	defaultConfigPath = "rollout.yaml"
)

// globalFlags are accepted by every command. The option is named
// config-file because namsral/flag treats a flag called "config" as its own
// key=value file.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newFlagSet(name string, g *globalFlags) *flag.FlagSet {
	fs := flag.NewFlagSetWithEnvPrefix(name, envPrefix, flag.ContinueOnError)
	fs.StringVar(&g.configPath, "config-file", defaultConfigPath, "Path to the YAML configuration file")
	fs.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")
	return fs
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// loadConfig reads path. A missing default file falls back to the built-in
// defaults so single-host setups need no config at all.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no config file, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, err
}

// app holds the configuration and lazily opened resources of one command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sqlx.DB
	dialect migration.Dialect
	docker  docker.API
	closers []func() error
}

func newApp(g *globalFlags) (*app, error) {
	logger, err := newLogger(g.logLevel, g.logFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	cfg, err := loadConfig(g.configPath, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) database(ctx context.Context) (*sqlx.DB, migration.Dialect, error) {
	if a.db != nil {
		return a.db, a.dialect, nil
	}
	if a.cfg.Database.DSN == "" {
		return nil, "", errors.New("database.dsn is not configured")
	}
	db, dialect, err := migration.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, "", err
	}
	a.db, a.dialect = db, dialect
	a.closers = append(a.closers, db.Close)
	return db, dialect, nil
}

func (a *app) runner(ctx context.Context, observer migration.Observer) (*migration.Runner, *migration.SQLStore, error) {
	db, dialect, err := a.database(ctx)
	if err != nil {
		return nil, nil, err
	}
	store := migration.NewSQLStore(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	migrations, err := migration.LoadDir(a.cfg.Migrations.Dir)
	if err != nil {
		return nil, nil, err
	}
	lock := a.cfg.Migrations.Lock
	return migration.NewRunner(store, migrations, migration.RunnerOptions{
		Lock: migration.LockOptions{
			StaleAfter:    lock.StaleAfter,
			RetryInterval: lock.RetryInterval,
			MaxAttempts:   lock.MaxAttempts,
		},
		Observer: observer,
		Logger:   a.logger.With("component", "migration"),
	}), store, nil
}

// migrator runs pending migrations in the configured mode.
func (a *app) migrator(r *migration.Runner) deploy.MigratorFunc {
	if a.cfg.Migrations.Mode == config.ModeCooperative {
		return func(ctx context.Context, _ string) error { return r.MigrateCooperative(ctx) }
	}
	return r.Migrate
}

func (a *app) registry(ctx context.Context) (*environment.Registry, error) {
	var store environment.Store
	switch a.cfg.State.Backend {
	case config.StateSQL:
		db, _, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		s, err := environment.NewSQLStore(ctx, db)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = environment.NewFileStore(a.cfg.State.Path)
	}
	return environment.NewRegistry(ctx, store, environment.WithLogger(a.logger.With("component", "environment")))
}

func (a *app) reloader() (traffic.Reloader, error) {
	t := a.cfg.Traffic
	if t.ProxyContainer != "" {
		api, err := a.dockerAPI()
		if err != nil {
			return nil, err
		}
		return docker.NewExecReloader(api, t.ProxyContainer, strings.Fields(t.ReloadCommand)...), nil
	}
	if strings.TrimSpace(t.ReloadCommand) == "" {
		return traffic.NopReloader{}, nil
	}
	return traffic.NewCommandReloader(t.ReloadCommand)
}

func (a *app) trafficController(reg *environment.Registry, observer traffic.Observer) (*traffic.Controller, error) {
	rl, err := a.reloader()
	if err != nil {
		return nil, err
	}
	opts := []traffic.Option{traffic.WithLogger(a.logger.With("component", "traffic"))}
	if observer != nil {
		opts = append(opts, traffic.WithObserver(observer))
	}
	return traffic.NewController(reg, traffic.Config{
		ConfigPath: a.cfg.Traffic.ConfigPath,
		Upstreams:  a.cfg.Upstreams(),
		Listen:     a.cfg.Traffic.Listen,
	}, rl, opts...), nil
}

func (a *app) healthMonitor(reg *environment.Registry, observer health.Observer) *health.Monitor {
	prober := health.NewHTTPProber(a.cfg.Endpoints(), health.WithTimeout(a.cfg.Health.Timeout))
	opts := []health.MonitorOption{
		health.WithInterval(a.cfg.Health.Interval),
		health.WithLogger(a.logger.With("component", "health")),
	}
	if observer != nil {
		opts = append(opts, health.WithObserver(observer))
	}
	return health.NewMonitor(reg, prober, opts...)
}

func (a *app) dockerAPI() (docker.API, error) {
	if a.docker != nil {
		return a.docker, nil
	}
	c, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	a.docker = c
	a.closers = append(a.closers, c.Close)
	return c, nil
}

// flagService builds the flag lookup. static is non-nil when flags come from
// the config file and can be replaced on reload.
func (a *app) flagService() (svc *featureflag.Service, static *featureflag.StaticProvider, err error) {
	var provider featureflag.Provider
	if key := a.cfg.Flags.LaunchDarklyKey; key != "" {
		provider, err = newLaunchDarklyProvider(key)
		if err != nil {
			return nil, nil, err
		}
	} else {
		static = featureflag.NewStaticProvider(a.cfg.Flags.Static)
		provider = static
	}
	svc = featureflag.NewService(provider, featureflag.NewFlagCache(a.cfg.Flags.CacheTTL),
		featureflag.EvaluationContext{Key: "rolloutctl"}, a.logger.With("component", "featureflag"))
	a.closers = append(a.closers, func() error {
		svc.Close()
		if c, ok := provider.(interface{ Close() error }); ok {
			return c.Close()
		}
		return nil
	})
	return svc, static, nil
}

type orchestratorDeps struct {
	registry *environment.Registry
	traffic  deploy.TrafficController
	health   deploy.HealthChecker
	migrator deploy.Migrator
	flags    *featureflag.Service
	observer deploy.Observer
}

// strategies returns the built-in strategies with the canary plan taken
// from the config.
func (a *app) strategies() (*deploy.StrategyRegistry, error) {
	strategies := deploy.NewStrategyRegistry()
	if steps := a.cfg.Switch.CanarySteps; len(steps) > 0 {
		canary := deploy.NewCanaryStrategy(steps...)
		if err := canary.Validate(); err != nil {
			return nil, err
		}
		strategies.Register(canary)
	}
	return strategies, nil
}

func (a *app) orchestrator(d orchestratorDeps) (*deploy.Orchestrator, error) {
	strategies, err := a.strategies()
	if err != nil {
		return nil, err
	}
	strategy, err := strategies.Lookup(a.cfg.Switch.Strategy)
	if err != nil {
		return nil, err
	}

	flags := d.flags
	if flags == nil {
		if flags, _, err = a.flagService(); err != nil {
			return nil, err
		}
	}

	var process deploy.ProcessController = deploy.NopProcessController{Logger: a.logger}
	if a.cfg.Docker.Enabled {
		api, err := a.dockerAPI()
		if err != nil {
			return nil, err
		}
		process = docker.NewController(api, a.cfg.DockerControl(), a.logger.With("component", "docker"))
	}

	var rollback deploy.ExternalRollback = deploy.LogRollback{Logger: a.logger}
	if url := a.cfg.Rollback.WebhookURL; url != "" {
		rollback = deploy.NewWebhookRollback(url, d.registry.Active)
	}

	var migrator deploy.Migrator
	if a.cfg.Migrations.PreDeploy {
		migrator = d.migrator
	}

	return deploy.NewOrchestrator(d.registry, d.traffic, d.health, deploy.Options{
		Strategy:    strategy,
		Dwell:       a.cfg.Switch.Dwell,
		StartupWait: a.cfg.Switch.StartupWait,
		Process:     process,
		Rollback:    rollback,
		Migrator:    migrator,
		Flags:       flags,
		Observer:    d.observer,
		Logger:      a.logger.With("component", "deploy"),
	}), nil
}
