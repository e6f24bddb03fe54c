package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry owns the deployment state for one orchestrator process. Reads
// return copies; every mutation is persisted before it becomes visible.
type Registry struct {
	mu     sync.RWMutex
	state  *State
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry loads the persisted state from store, falling back to
// DefaultState when nothing has been saved yet.
func NewRegistry(ctx context.Context, store Store, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the state from the store, discarding the in-memory copy.
func (r *Registry) Reload(ctx context.Context) error {
	st, err := r.store.Load(ctx)
	if errors.Is(err, ErrNoState) {
		r.logger.Info("no deployment state persisted yet, starting with defaults")
		st = DefaultState()
	} else if err != nil {
		return fmt.Errorf("load deployment state: %w", err)
	}
	st.normalize()
	if err := st.TrafficSplit.Validate(); err != nil {
		return fmt.Errorf("persisted state: %w", err)
	}

	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Active returns the live environment.
func (r *Registry) Active() Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ActiveEnvironment
}

// Inactive returns the environment that is not live.
func (r *Registry) Inactive() Name { return r.Active().Other() }

// Status returns a copy of the status of n.
func (r *Registry) Status(n Name) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.state.Environments[n]
	if !ok {
		return Status{Environment: n}
	}
	out := *status
	if status.LastHealthCheck != nil {
		t := *status.LastHealthCheck
		out.LastHealthCheck = &t
	}
	return out
}

// Split returns the committed traffic split.
func (r *Registry) Split() Split {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.TrafficSplit
}

// update applies fn to a copy of the state, persists it and swaps it in.
// The state is unchanged when fn or the store fails.
func (r *Registry) update(ctx context.Context, fn func(st *State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist deployment state: %w", err)
	}
	r.state = next
	return nil
}

// SetSplit validates and persists a new traffic split.
func (r *Registry) SetSplit(ctx context.Context, s Split) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.update(ctx, func(st *State) error {
		st.TrafficSplit = s
		return nil
	})
}

// RecordHealth stores a probe result for n and returns the previous health.
func (r *Registry) RecordHealth(ctx context.Context, n Name, healthy bool, at time.Time) (bool, error) {
	var was bool
	err := r.update(ctx, func(st *State) error {
		status, ok := st.Environments[n]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEnvironment, n)
		}
		was = status.IsHealthy
		status.IsHealthy = healthy
		checked := at.UTC()
		status.LastHealthCheck = &checked
		return nil
	})
	return was, err
}

// Activate makes n the live environment and the other one inactive.
func (r *Registry) Activate(ctx context.Context, n Name) error {
	if _, err := ParseName(string(n)); err != nil {
		return err
	}
	err := r.update(ctx, func(st *State) error {
		st.ActiveEnvironment = n
		for name, status := range st.Environments {
			status.IsActive = name == n
		}
		return nil
	})
	if err == nil {
		r.logger.Info("active environment changed", "env", n)
	}
	return err
}

// SetDeployed records that version was deployed to n.
func (r *Registry) SetDeployed(ctx context.Context, n Name, version string, at time.Time) error {
	return r.update(ctx, func(st *State) error {
		status, ok := st.Environments[n]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEnvironment, n)
		}
		status.Version = version
		status.DeployedAt = at.UTC()
		return nil
	})
}
