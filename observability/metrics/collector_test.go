package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/rollout/deploy"
	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/migration"
)

func TestCollector_Migrations(t *testing.T) {
	c := NewCollector("")
	c.MigrationExecuted("001_init", migration.Up, time.Second, nil)
	c.MigrationExecuted("002_users", migration.Up, time.Second, errors.New("syntax error"))
	c.MigrationExecuted("002_users", migration.Down, time.Second, nil)

	if got := testutil.ToFloat64(c.MigrationsTotal.WithLabelValues("up", "success")); got != 1 {
		t.Errorf("up/success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.MigrationsTotal.WithLabelValues("up", "error")); got != 1 {
		t.Errorf("up/error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.MigrationsTotal.WithLabelValues("down", "success")); got != 1 {
		t.Errorf("down/success = %v, want 1", got)
	}

	c.LockAttempt(0, false)
	c.LockAttempt(2*time.Second, true)
	if got := testutil.ToFloat64(c.LockAttempts.WithLabelValues("false")); got != 1 {
		t.Errorf("failed lock attempts = %v, want 1", got)
	}
}

func TestCollector_HealthAndTraffic(t *testing.T) {
	c := NewCollector("")
	c.HealthObserved(environment.Blue, true, 10*time.Millisecond)
	c.HealthObserved(environment.Green, false, 5*time.Second)

	if got := testutil.ToFloat64(c.EnvironmentHealthy.WithLabelValues("blue")); got != 1 {
		t.Errorf("blue healthy = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.EnvironmentHealthy.WithLabelValues("green")); got != 0 {
		t.Errorf("green healthy = %v, want 0", got)
	}

	c.SplitApplied(environment.Split{Blue: 70, Green: 30}, nil)
	c.SplitApplied(environment.Split{Blue: 50, Green: 50}, errors.New("reload failed"))

	if got := testutil.ToFloat64(c.TrafficWeight.WithLabelValues("green")); got != 30 {
		t.Errorf("green weight = %v, want 30 (failed change must not move it)", got)
	}
	if got := testutil.ToFloat64(c.TrafficChanges.WithLabelValues("error")); got != 1 {
		t.Errorf("failed changes = %v, want 1", got)
	}
}

func TestCollector_Orchestrator(t *testing.T) {
	c := NewCollector("")
	if got := testutil.ToFloat64(c.Phase.WithLabelValues(string(deploy.PhaseIdle))); got != 1 {
		t.Errorf("expected idle phase initially, got %v", got)
	}

	c.PhaseChanged(deploy.PhaseCanaryStepping)
	if got := testutil.ToFloat64(c.Phase.WithLabelValues(string(deploy.PhaseIdle))); got != 0 {
		t.Errorf("idle = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.Phase.WithLabelValues(string(deploy.PhaseCanaryStepping))); got != 1 {
		t.Errorf("canary-stepping = %v, want 1", got)
	}

	c.OperationFinished(deploy.KindSwitch, deploy.StatusSuccess, 150*time.Second)
	if got := testutil.ToFloat64(c.OperationsTotal.WithLabelValues("switch", "success")); got != 1 {
		t.Errorf("switch/success = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.SplitApplied(environment.Split{Blue: 100}, nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `test_traffic_weight_percent{environment="blue"} 100`) {
		t.Errorf("expected blue weight in output:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("expected go runtime metrics")
	}
}
