// Package sla tracks per-environment availability objectives from health
// probe results.
package sla

import (
	"encoding/json"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/environment"
)

// SLO types.
const (
	TypeUptime  = "uptime"
	TypeLatency = "latency"
)

// DefaultMaxSamples bounds the latency samples kept per environment.
const DefaultMaxSamples = 4096

// SLO defines a Service Level Objective evaluated for every environment.
type SLO struct {
	// Name is a human-readable name for this SLO.
	Name string `json:"name" yaml:"name"`
	// Type is "uptime" or "latency".
	Type string `json:"type" yaml:"type"`
	// Target is 0.999 for 99.9% uptime, or a p99 probe latency in ms.
	Target float64 `json:"target" yaml:"target"`
}

// Config configures the Monitor.
type Config struct {
	SLOs       []SLO `json:"slos" yaml:"slos"`
	MaxSamples int   `json:"max_samples" yaml:"max_samples"`
}

// DefaultConfig returns 99.9% probe success and a 2s p99 probe latency.
func DefaultConfig() Config {
	return Config{
		SLOs: []SLO{
			{Name: "uptime", Type: TypeUptime, Target: 0.999},
			{Name: "p99_probe_latency_ms", Type: TypeLatency, Target: 2000},
		},
		MaxSamples: DefaultMaxSamples,
	}
}

type window struct {
	total     int64
	success   int64
	latencies []float64 // milliseconds, oldest first
}

// Monitor implements health.Observer and computes SLO compliance and error
// budgets for each environment since the last Reset.
type Monitor struct {
	mu          sync.RWMutex
	config      Config
	envs        map[environment.Name]*window
	windowStart time.Time
	now         func() time.Time
}

// NewMonitor creates a Monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	m := &Monitor{config: cfg, now: time.Now}
	m.reset()
	return m
}

// HealthObserved records one probe result.
func (m *Monitor) HealthObserved(env environment.Name, healthy bool, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.envs[env]
	if !ok {
		w = &window{}
		m.envs[env] = w
	}
	w.total++
	if healthy {
		w.success++
	}
	w.latencies = append(w.latencies, float64(took.Milliseconds()))
	if over := len(w.latencies) - m.config.MaxSamples; over > 0 {
		w.latencies = slices.Delete(w.latencies, 0, over)
	}
}

// SLOStatus is the state of a single SLO for one environment.
type SLOStatus struct {
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Target          float64 `json:"target"`
	Current         float64 `json:"current"`
	Met             bool    `json:"met"`
	ErrorBudget     float64 `json:"error_budget"`
	ErrorBudgetUsed float64 `json:"error_budget_used"`
}

// EnvironmentReport holds the SLO results of one environment.
type EnvironmentReport struct {
	Checks    int64       `json:"checks"`
	SLOs      []SLOStatus `json:"slos"`
	Compliant bool        `json:"compliant"`
}

// Report is a full availability report.
type Report struct {
	Timestamp    time.Time                              `json:"timestamp"`
	WindowStart  time.Time                              `json:"window_start"`
	Environments map[environment.Name]EnvironmentReport `json:"environments"`
	Overall      bool                                   `json:"overall_compliant"`
}

// Status computes the current report. Environments without data are
// reported as compliant.
func (m *Monitor) Status() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{
		Timestamp:    m.now(),
		WindowStart:  m.windowStart,
		Environments: make(map[environment.Name]EnvironmentReport, len(environment.Names)),
		Overall:      true,
	}
	for _, n := range environment.Names {
		w := m.envs[n]
		if w == nil {
			w = &window{}
		}
		er := EnvironmentReport{Checks: w.total, Compliant: true}
		for _, slo := range m.config.SLOs {
			st := computeSLOStatus(slo, w)
			if !st.Met {
				er.Compliant = false
			}
			er.SLOs = append(er.SLOs, st)
		}
		if !er.Compliant {
			report.Overall = false
		}
		report.Environments[n] = er
	}
	return report
}

func computeSLOStatus(slo SLO, w *window) SLOStatus {
	status := SLOStatus{
		Name:   slo.Name,
		Type:   slo.Type,
		Target: slo.Target,
	}

	switch slo.Type {
	case TypeUptime:
		status.Current = 1.0
		if w.total > 0 {
			status.Current = float64(w.success) / float64(w.total)
		}
		status.Met = status.Current >= slo.Target
		// Fraction of allowed failures already spent.
		status.ErrorBudget = 1.0 - slo.Target
		if status.ErrorBudget > 0 {
			status.ErrorBudgetUsed = math.Min((1.0-status.Current)/status.ErrorBudget, 1.0)
		}

	case TypeLatency:
		p99 := percentile(w.latencies, 0.99)
		status.Current = p99
		status.Met = p99 <= slo.Target
		if slo.Target > 0 {
			status.ErrorBudget = slo.Target
			status.ErrorBudgetUsed = math.Min(p99/slo.Target, 1.0)
		}
	}

	return status
}

// percentile interpolates the p-th percentile (0..1) of data.
func percentile(data []float64, p float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	idx := p * float64(n-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper || upper >= n {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Handler serves the report as JSON.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Status())
	}
}

// Reset clears all samples and restarts the window. Called after a switch so
// the new live environment starts with a clean budget.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Monitor) reset() {
	m.envs = make(map[environment.Name]*window, len(environment.Names))
	m.windowStart = m.now()
}
