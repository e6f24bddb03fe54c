// Package metrics exports Prometheus metrics for migrations, health probes,
// traffic changes and orchestrator operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/rollout/deploy"
	"github.com/GoCodeAlone/rollout/environment"
	"github.com/GoCodeAlone/rollout/health"
	"github.com/GoCodeAlone/rollout/migration"
	"github.com/GoCodeAlone/rollout/traffic"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "rollout"

var phases = []deploy.Phase{
	deploy.PhaseIdle,
	deploy.PhaseCanaryStepping,
	deploy.PhaseSwitchComplete,
	deploy.PhaseSwitchFailed,
	deploy.PhaseEmergencyRollback,
	deploy.PhaseDeploying,
}

// Collector owns a private Prometheus registry and implements the observer
// interfaces of the migration, health, traffic and deploy packages.
type Collector struct {
	registry *prometheus.Registry

	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	LockAttempts      *prometheus.CounterVec
	LockWait          prometheus.Histogram

	HealthChecks       *prometheus.CounterVec
	HealthProbeSeconds *prometheus.HistogramVec
	EnvironmentHealthy *prometheus.GaugeVec

	TrafficWeight  *prometheus.GaugeVec
	TrafficChanges *prometheus.CounterVec

	Phase             *prometheus.GaugeVec
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

var (
	_ migration.Observer = (*Collector)(nil)
	_ health.Observer    = (*Collector)(nil)
	_ traffic.Observer   = (*Collector)(nil)
	_ deploy.Observer    = (*Collector)(nil)
)

// NewCollector creates a Collector with its own registry. An empty namespace
// uses DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.MigrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "executions_total",
		Help:      "Total number of migration scripts executed",
	}, []string{"direction", "status"})
	c.MigrationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "duration_seconds",
		Help:      "Duration of migration scripts in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"direction"})
	c.LockAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "lock_attempts_total",
		Help:      "Migration lock acquisition attempts by outcome",
	}, []string{"acquired"})
	c.LockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "migration",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the migration lock",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	c.HealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "checks_total",
		Help:      "Total number of environment health checks",
	}, []string{"environment", "result"})
	c.HealthProbeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "check_duration_seconds",
		Help:      "Duration of environment health checks in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"environment"})
	c.EnvironmentHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "environment_healthy",
		Help:      "1 if the last health check of the environment passed",
	}, []string{"environment"})

	c.TrafficWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "traffic",
		Name:      "weight_percent",
		Help:      "Percentage of traffic routed to each environment",
	}, []string{"environment"})
	c.TrafficChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "traffic",
		Name:      "changes_total",
		Help:      "Traffic split changes by outcome",
	}, []string{"status"})

	c.Phase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "phase",
		Help:      "1 for the orchestrator's current phase, 0 otherwise",
	}, []string{"phase"})
	c.OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "operations_total",
		Help:      "Switches, rollbacks and deploys by outcome",
	}, []string{"kind", "status"})
	c.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "operation_duration_seconds",
		Help:      "Duration of orchestrator operations in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
	}, []string{"kind"})

	reg.MustRegister(
		c.MigrationsTotal, c.MigrationDuration, c.LockAttempts, c.LockWait,
		c.HealthChecks, c.HealthProbeSeconds, c.EnvironmentHealthy,
		c.TrafficWeight, c.TrafficChanges,
		c.Phase, c.OperationsTotal, c.OperationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.PhaseChanged(deploy.PhaseIdle)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// MigrationExecuted implements migration.Observer.
func (c *Collector) MigrationExecuted(_ string, dir migration.Direction, took time.Duration, err error) {
	c.MigrationsTotal.WithLabelValues(string(dir), status(err)).Inc()
	c.MigrationDuration.WithLabelValues(string(dir)).Observe(took.Seconds())
}

// LockAttempt implements migration.Observer.
func (c *Collector) LockAttempt(waited time.Duration, acquired bool) {
	label := "false"
	if acquired {
		label = "true"
	}
	c.LockAttempts.WithLabelValues(label).Inc()
	c.LockWait.Observe(waited.Seconds())
}

// HealthObserved implements health.Observer.
func (c *Collector) HealthObserved(env environment.Name, healthy bool, took time.Duration) {
	result, gauge := "unhealthy", 0.0
	if healthy {
		result, gauge = "healthy", 1
	}
	c.HealthChecks.WithLabelValues(string(env), result).Inc()
	c.HealthProbeSeconds.WithLabelValues(string(env)).Observe(took.Seconds())
	c.EnvironmentHealthy.WithLabelValues(string(env)).Set(gauge)
}

// SplitApplied implements traffic.Observer. Weights only move on success.
func (c *Collector) SplitApplied(split environment.Split, err error) {
	c.TrafficChanges.WithLabelValues(status(err)).Inc()
	if err != nil {
		return
	}
	for _, n := range environment.Names {
		c.TrafficWeight.WithLabelValues(string(n)).Set(float64(split.Weight(n)))
	}
}

// PhaseChanged implements deploy.Observer.
func (c *Collector) PhaseChanged(p deploy.Phase) {
	for _, ph := range phases {
		v := 0.0
		if ph == p {
			v = 1
		}
		c.Phase.WithLabelValues(string(ph)).Set(v)
	}
}

// OperationFinished implements deploy.Observer.
func (c *Collector) OperationFinished(kind deploy.Kind, st string, took time.Duration) {
	c.OperationsTotal.WithLabelValues(string(kind), st).Inc()
	c.OperationDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
