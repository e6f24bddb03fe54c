// Package config loads the rolloutctl YAML configuration and watches it for
// changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/rollout/docker"
	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/traffic"
)

// Migration execution modes.
const (
	ModeBatch       = "batch"
	ModeCooperative = "cooperative"
)

// State backends.
const (
	StateFile = "file"
	StateSQL  = "sql"
)

// Config is the complete rolloutctl configuration.
type Config struct {
	Database     DatabaseConfig                         `yaml:"database"`
	Migrations   MigrationsConfig                       `yaml:"migrations"`
	Environments map[environment.Name]EnvironmentConfig `yaml:"environments"`
	Health       HealthConfig                           `yaml:"health"`
	Traffic      TrafficConfig                          `yaml:"traffic"`
	Switch       SwitchConfig                           `yaml:"switch"`
	State        StateConfig                            `yaml:"state"`
	Flags        FlagsConfig                            `yaml:"flags"`
	Rollback     RollbackConfig                         `yaml:"rollback"`
	Docker       DockerConfig                           `yaml:"docker"`
	Admin        AdminConfig                            `yaml:"admin"`
	Tracing      TracingConfig                          `yaml:"tracing"`
}

// DatabaseConfig selects the SQL database holding migrations and, with the
// sql state backend, the deployment state.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres, mysql or sqlite
	DSN    string `yaml:"dsn"`
}

// MigrationsConfig configures the migration runner.
type MigrationsConfig struct {
	Dir       string     `yaml:"dir"`
	Mode      string     `yaml:"mode"`       // batch or cooperative
	PreDeploy bool       `yaml:"pre_deploy"` // run before every deploy
	Lock      LockConfig `yaml:"lock"`
}

// LockConfig tunes the migration table lock.
type LockConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// EnvironmentConfig describes one of the two environments.
type EnvironmentConfig struct {
	BackendHealthURL  string           `yaml:"backend_health_url"`
	FrontendHealthURL string           `yaml:"frontend_health_url"`
	BackendUpstream   string           `yaml:"backend_upstream"`
	FrontendUpstream  string           `yaml:"frontend_upstream"`
	Containers        []docker.Service `yaml:"containers"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TrafficConfig configures the proxy. With ProxyContainer set the proxy is
// reloaded through docker exec, otherwise ReloadCommand runs locally.
type TrafficConfig struct {
	ConfigPath     string `yaml:"config_path"`
	Listen         int    `yaml:"listen"`
	ReloadCommand  string `yaml:"reload_command"`
	ProxyContainer string `yaml:"proxy_container"`
}

// SwitchConfig configures switches and deploys.
type SwitchConfig struct {
	Strategy    string        `yaml:"strategy"` // canary or blue-green
	CanarySteps []int         `yaml:"canary_steps"`
	Dwell       time.Duration `yaml:"dwell"`
	StartupWait time.Duration `yaml:"startup_wait"`
}

// StateConfig selects where the deployment state is persisted.
type StateConfig struct {
	Backend string `yaml:"backend"` // file or sql
	Path    string `yaml:"path"`
}

// FlagsConfig configures feature flags. LaunchDarklyKey is used only by
// builds with the launchdarkly tag.
type FlagsConfig struct {
	Static          map[string]bool `yaml:"static"`
	LaunchDarklyKey string          `yaml:"launchdarkly_sdk_key"`
	CacheTTL        time.Duration   `yaml:"cache_ttl"`
}

// RollbackConfig configures the external rollback used when both
// environments are unhealthy. Without a webhook it is only logged.
type RollbackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// DockerConfig enables container control through the Docker Engine API.
type DockerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Network     string        `yaml:"network"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	endpoints := health.DefaultEndpoints()
	upstreams := traffic.DefaultUpstreams()
	containers := docker.DefaultConfig()

	envs := make(map[environment.Name]EnvironmentConfig, len(environment.Names))
	for _, n := range environment.Names {
		envs[n] = EnvironmentConfig{
			BackendHealthURL:  endpoints[n].Backend,
			FrontendHealthURL: endpoints[n].Frontend,
			BackendUpstream:   upstreams[n].Backend,
			FrontendUpstream:  upstreams[n].Frontend,
			Containers:        containers.Environments[n],
		}
	}

	return &Config{
		Database: DatabaseConfig{Driver: "postgres"},
		Migrations: MigrationsConfig{
			Dir:       "migrations",
			Mode:      ModeBatch,
			PreDeploy: true,
		},
		Environments: envs,
		Health: HealthConfig{
			Interval: health.DefaultInterval,
			Timeout:  health.DefaultTimeout,
		},
		Traffic: TrafficConfig{
			ConfigPath:    "/etc/nginx/conf.d/blue-green.conf",
			Listen:        80,
			ReloadCommand: "nginx -s reload",
		},
		Switch: SwitchConfig{
			Strategy:    "canary",
			CanarySteps: []int{10, 30, 50, 70, 90},
			Dwell:       30 * time.Second,
			StartupWait: 30 * time.Second,
		},
		State: StateConfig{Backend: StateFile, Path: "deployment-state.json"},
		Flags: FlagsConfig{CacheTTL: 30 * time.Second},
		Docker: DockerConfig{
			Network:     containers.Network,
			StopTimeout: containers.StopTimeout,
		},
		Admin:   AdminConfig{Listen: ":8089"},
		Tracing: TracingConfig{ServiceName: "rolloutctl", SampleRatio: 1},
	}
}

// Load reads, expands and validates the YAML file at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default after expanding ${VAR} and
// ${VAR:-default} references, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnv(string(data))

	// Environments merge per field, so a file may override one URL only.
	var raw struct {
		Environments map[environment.Name]EnvironmentConfig `yaml:"environments"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	defaults := cfg.Environments
	cfg.Environments = nil
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Environments = mergeEnvironments(defaults, raw.Environments)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeEnvironments(defaults, overrides map[environment.Name]EnvironmentConfig) map[environment.Name]EnvironmentConfig {
	out := make(map[environment.Name]EnvironmentConfig, len(defaults))
	for n, d := range defaults {
		o, ok := overrides[n]
		if !ok {
			out[n] = d
			continue
		}
		if o.BackendHealthURL == "" {
			o.BackendHealthURL = d.BackendHealthURL
		}
		if o.FrontendHealthURL == "" {
			o.FrontendHealthURL = d.FrontendHealthURL
		}
		if o.BackendUpstream == "" {
			o.BackendUpstream = d.BackendUpstream
		}
		if o.FrontendUpstream == "" {
			o.FrontendUpstream = d.FrontendUpstream
		}
		if len(o.Containers) == 0 {
			o.Containers = d.Containers
		}
		out[n] = o
	}
	for n, o := range overrides {
		if _, ok := out[n]; !ok {
			out[n] = o
		}
	}
	return out
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} with the environment value and ${VAR:-def} with
// def when VAR is unset or empty. A bare $ is left alone.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Database.Driver {
	case "postgres", "pgx", "mysql", "sqlite":
	default:
		add("database.driver: unsupported driver %q", c.Database.Driver)
	}
	switch c.Migrations.Mode {
	case ModeBatch, ModeCooperative:
	default:
		add("migrations.mode: must be %q or %q, got %q", ModeBatch, ModeCooperative, c.Migrations.Mode)
	}
	if c.Migrations.Lock.StaleAfter < 0 || c.Migrations.Lock.RetryInterval < 0 || c.Migrations.Lock.MaxAttempts < 0 {
		add("migrations.lock: values must not be negative")
	}

	for n, env := range c.Environments {
		if _, err := environment.ParseName(string(n)); err != nil {
			add("environments: %v", err)
			continue
		}
		if env.BackendHealthURL == "" || env.FrontendHealthURL == "" {
			add("environments.%s: backend and frontend health URLs are required", n)
		}
		if env.BackendUpstream == "" || env.FrontendUpstream == "" {
			add("environments.%s: backend and frontend upstreams are required", n)
		}
	}
	for _, n := range environment.Names {
		if _, ok := c.Environments[n]; !ok {
			add("environments.%s: missing", n)
		}
	}

	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		add("health: interval and timeout must be positive")
	}
	if c.Traffic.ConfigPath == "" {
		add("traffic.config_path: required")
	}
	if c.Traffic.Listen <= 0 || c.Traffic.Listen > 65535 {
		add("traffic.listen: invalid port %d", c.Traffic.Listen)
	}

	switch c.Switch.Strategy {
	case "canary", "blue-green":
	default:
		add("switch.strategy: unknown strategy %q", c.Switch.Strategy)
	}
	prev := 0
	for _, pct := range c.Switch.CanarySteps {
		if pct <= prev || pct >= 100 {
			add("switch.canary_steps: steps must increase strictly within (0,100), got %v", c.Switch.CanarySteps)
			break
		}
		prev = pct
	}
	if c.Switch.Dwell < 0 || c.Switch.StartupWait < 0 {
		add("switch: durations must not be negative")
	}

	switch c.State.Backend {
	case StateFile:
		if c.State.Path == "" {
			add("state.path: required for the file backend")
		}
	case StateSQL:
		if c.Database.DSN == "" {
			add("state.backend: sql requires database.dsn")
		}
	default:
		add("state.backend: must be %q or %q, got %q", StateFile, StateSQL, c.State.Backend)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint: required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio: must be within [0,1]")
	}

	return errors.Join(errs...)
}

// Endpoints returns the health endpoints of both environments.
func (c *Config) Endpoints() map[environment.Name]health.Endpoints {
	out := make(map[environment.Name]health.Endpoints, len(c.Environments))
	for n, env := range c.Environments {
		out[n] = health.Endpoints{Backend: env.BackendHealthURL, Frontend: env.FrontendHealthURL}
	}
	return out
}

// Upstreams returns the proxy upstreams of both environments.
func (c *Config) Upstreams() map[environment.Name]traffic.Upstreams {
	out := make(map[environment.Name]traffic.Upstreams, len(c.Environments))
	for n, env := range c.Environments {
		out[n] = traffic.Upstreams{Backend: env.BackendUpstream, Frontend: env.FrontendUpstream}
	}
	return out
}

// DockerControl returns the container layout for docker.NewController.
func (c *Config) DockerControl() docker.Config {
	out := docker.Config{
		Network:      c.Docker.Network,
		StopTimeout:  c.Docker.StopTimeout,
		Environments: make(map[environment.Name][]docker.Service, len(c.Environments)),
	}
	for n, env := range c.Environments {
		out.Environments[n] = env.Containers
	}
	return out
}
