package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/rollout/environment"
)

const testYAML = `
database:
  driver: sqlite
  dsn: ${ROLLOUT_TEST_DSN:-file:rollout.db}
migrations:
  dir: db/migrations
  mode: cooperative
environments:
  green:
    backend_health_url: http://green-backend:5001/health
switch:
  strategy: canary
  canary_steps: [25, 50, 75]
  dwell: 10s
state:
  backend: sql
flags:
  static:
    auto-emergency-rollback: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "rollout.yaml")
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return fp
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefault_SwitchTimings(t *testing.T) {
	sw := Default().Switch
	if sw.Strategy != "canary" || !slices.Equal(sw.CanarySteps, []int{10, 30, 50, 70, 90}) {
		t.Errorf("expected the 10/30/50/70/90 canary by default, got %+v", sw)
	}
	if sw.Dwell != 30*time.Second || sw.StartupWait != 30*time.Second {
		t.Errorf("expected 30s dwell and startup wait, got %s and %s", sw.Dwell, sw.StartupWait)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:rollout.db" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Migrations.Mode != ModeCooperative || cfg.Migrations.Dir != "db/migrations" {
		t.Errorf("unexpected migrations config: %+v", cfg.Migrations)
	}
	if !cfg.Migrations.PreDeploy {
		t.Error("expected pre_deploy default to survive")
	}
	if cfg.Switch.Dwell != 10*time.Second {
		t.Errorf("expected 10s dwell, got %s", cfg.Switch.Dwell)
	}
	if len(cfg.Switch.CanarySteps) != 3 || cfg.Switch.CanarySteps[0] != 25 {
		t.Errorf("unexpected canary steps: %v", cfg.Switch.CanarySteps)
	}
	if cfg.Switch.StartupWait != 30*time.Second {
		t.Errorf("expected default startup wait, got %s", cfg.Switch.StartupWait)
	}
	if !cfg.Flags.Static["auto-emergency-rollback"] {
		t.Error("expected static flag to be set")
	}
}

func TestLoad_MergesEnvironmentFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	green := cfg.Environments[environment.Green]
	if green.BackendHealthURL != "http://green-backend:5001/health" {
		t.Errorf("override lost: %q", green.BackendHealthURL)
	}
	if green.FrontendHealthURL == "" || green.BackendUpstream == "" {
		t.Errorf("defaults not merged into green: %+v", green)
	}
	if len(green.Containers) == 0 {
		t.Error("expected default containers for green")
	}
	if _, ok := cfg.Environments[environment.Blue]; !ok {
		t.Error("expected blue to keep its defaults")
	}

	eps := cfg.Endpoints()
	if eps[environment.Green].Backend != green.BackendHealthURL {
		t.Errorf("Endpoints() = %+v", eps[environment.Green])
	}
	if ups := cfg.Upstreams(); ups[environment.Blue].Backend == "" {
		t.Errorf("Upstreams() missing blue backend: %+v", ups)
	}
	if dc := cfg.DockerControl(); len(dc.Environments[environment.Blue]) == 0 {
		t.Error("DockerControl() missing blue containers")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("ROLLOUT_TEST_DSN", "postgres://rollout@db/rollout")
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.DSN != "postgres://rollout@db/rollout" {
		t.Errorf("expected DSN from environment, got %q", cfg.Database.DSN)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ROLLOUT_SET", "value")
	t.Setenv("ROLLOUT_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${ROLLOUT_SET}", "value"},
		{"${ROLLOUT_UNSET_VAR}", ""},
		{"${ROLLOUT_UNSET_VAR:-fallback}", "fallback"},
		{"${ROLLOUT_EMPTY:-fallback}", "fallback"},
		{"${ROLLOUT_SET:-fallback}", "value"},
		{"cost: $5", "cost: $5"},
		{"a-${ROLLOUT_SET}-b", "a-value-b"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_NonExistent(t *testing.T) {
	if _, err := Load("/nonexistent/rollout.yaml"); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "switch: [unclosed")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"mode", func(c *Config) { c.Migrations.Mode = "parallel" }, "migrations.mode"},
		{"strategy", func(c *Config) { c.Switch.Strategy = "rolling" }, "switch.strategy"},
		{"steps not increasing", func(c *Config) { c.Switch.CanarySteps = []int{50, 30} }, "switch.canary_steps"},
		{"step of 100", func(c *Config) { c.Switch.CanarySteps = []int{50, 100} }, "switch.canary_steps"},
		{"unknown environment", func(c *Config) {
			c.Environments["red"] = EnvironmentConfig{}
		}, "unknown environment"},
		{"missing environment", func(c *Config) { delete(c.Environments, environment.Green) }, "environments.green: missing"},
		{"missing health url", func(c *Config) {
			e := c.Environments[environment.Blue]
			e.BackendHealthURL = ""
			c.Environments[environment.Blue] = e
		}, "health URLs"},
		{"listen port", func(c *Config) { c.Traffic.Listen = 0 }, "traffic.listen"},
		{"sql state without dsn", func(c *Config) { c.State.Backend = StateSQL }, "database.dsn"},
		{"tracing endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = ""
	cfg.Migrations.Mode = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "database.driver") || !strings.Contains(err.Error(), "migrations.mode") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestFileSource(t *testing.T) {
	fp := writeConfig(t, testYAML)
	src := NewFileSource(fp)

	if src.Name() != "file:"+fp || src.Path() != fp {
		t.Errorf("unexpected name/path: %s %s", src.Name(), src.Path())
	}
	cfg, err := src.Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("unexpected driver %q", cfg.Database.Driver)
	}

	h1, err := src.Hash(t.Context())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("expected hex sha256, got %q", h1)
	}
	if err := os.WriteFile(fp, []byte(testYAML+"\n# edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	h2, _ := src.Hash(t.Context())
	if h1 == h2 {
		t.Error("hash should change with file content")
	}

	if _, err := NewFileSource("/nonexistent.yaml").Hash(t.Context()); err == nil {
		t.Error("expected error hashing a missing file")
	}
}

func TestHashConfig_Deterministic(t *testing.T) {
	a, err := HashConfig(Default())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := HashConfig(Default())
	if a != b {
		t.Error("expected identical configs to hash the same")
	}
	cfg := Default()
	cfg.Switch.Dwell = time.Minute
	c, _ := HashConfig(cfg)
	if a == c {
		t.Error("expected different configs to hash differently")
	}
}
