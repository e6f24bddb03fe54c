package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/rollout/environment"
)

// DefaultInterval is the time between scheduled probes of each environment.
const DefaultInterval = 30 * time.Second

// Event reports that the active environment became unhealthy.
type Event struct {
	Environment environment.Name
	At          time.Time
	Err         error
}

// Observer receives every probe result, typically to export metrics.
type Observer interface {
	HealthObserved(env environment.Name, healthy bool, took time.Duration)
}

// Observers fans probe results out to several observers.
type Observers []Observer

func (obs Observers) HealthObserved(env environment.Name, healthy bool, took time.Duration) {
	for _, o := range obs {
		o.HealthObserved(env, healthy, took)
	}
}

// Monitor probes both environments, records the results in the registry and
// notifies subscribers when the live environment goes unhealthy. It never
// changes traffic itself.
type Monitor struct {
	registry *environment.Registry
	prober   Prober
	interval time.Duration
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithObserver registers a probe observer.
func WithObserver(o Observer) MonitorOption {
	return func(m *Monitor) { m.observer = o }
}

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor.
func NewMonitor(registry *environment.Registry, prober Prober, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry: registry,
		prober:   prober,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for unhealthy-active events and returns a function
// that removes it. fn runs on the probing goroutine.
func (m *Monitor) Subscribe(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// CheckHealth probes env, records the result and reports whether it is
// healthy.
func (m *Monitor) CheckHealth(ctx context.Context, env environment.Name) bool {
	start := m.now()
	probeErr := m.prober.Probe(ctx, env)
	healthy := probeErr == nil
	if m.observer != nil {
		m.observer.HealthObserved(env, healthy, m.now().Sub(start))
	}

	was, err := m.registry.RecordHealth(ctx, env, healthy, m.now())
	if err != nil {
		m.logger.Error("record health", "env", env, "error", err)
	}

	switch {
	case healthy && !was:
		m.logger.Info("environment healthy", "env", env)
	case !healthy && was:
		m.logger.Warn("environment became unhealthy", "env", env, "error", probeErr)
	case !healthy:
		m.logger.Debug("environment still unhealthy", "env", env, "error", probeErr)
	}

	if !healthy && was && m.registry.Active() == env {
		m.publish(Event{Environment: env, At: m.now(), Err: probeErr})
	}
	return healthy
}

func (m *Monitor) publish(ev Event) {
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Error("active environment unhealthy", "env", ev.Environment, "error", ev.Err)
	for _, fn := range subs {
		fn(ev)
	}
}

// Run probes both environments immediately and then on every interval, each
// on its own goroutine, until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started", "interval", m.interval)
	var wg sync.WaitGroup
	for _, env := range environment.Names {
		wg.Add(1)
		go func(env environment.Name) {
			defer wg.Done()
			m.loop(ctx, env)
		}(env)
	}
	wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, env environment.Name) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckHealth(ctx, env)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx, env)
		}
	}
}
