package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ApplyFunc pushes a new configuration into running components. changed
// lists the top-level sections that differ from old.
type ApplyFunc func(ctx context.Context, old, new *Config, changed []string) error

// Reloader tracks the configuration in effect and applies changes reported
// by a Watcher or Poller, or requested explicitly.
type Reloader struct {
	mu          sync.Mutex
	source      Source
	current     *Config
	currentHash string
	apply       ApplyFunc
	logger      *slog.Logger
}

// NewReloader loads the initial configuration from source.
func NewReloader(ctx context.Context, source Source, apply ApplyFunc, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}
	hash, err := source.Hash(ctx)
	if err != nil {
		return nil, err
	}
	return &Reloader{
		source:      source,
		current:     cfg,
		currentHash: hash,
		apply:       apply,
		logger:      logger,
	}, nil
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload re-reads the source and applies it if it changed.
func (r *Reloader) Reload(ctx context.Context) error {
	hash, err := r.source.Hash(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	unchanged := hash == r.currentHash
	oldHash := r.currentHash
	r.mu.Unlock()
	if unchanged {
		r.logger.Debug("config unchanged", "source", r.source.Name())
		return nil
	}

	cfg, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	return r.handle(ctx, ChangeEvent{
		Source:  r.source.Name(),
		OldHash: oldHash,
		NewHash: hash,
		Config:  cfg,
		Time:    time.Now(),
	})
}

// HandleChange applies a change event. It matches the Watcher and Poller
// callback shape and logs failures instead of returning them.
func (r *Reloader) HandleChange(evt ChangeEvent) {
	if err := r.handle(context.Background(), evt); err != nil {
		r.logger.Error("config reload failed", "source", evt.Source, "error", err)
	}
}

func (r *Reloader) handle(ctx context.Context, evt ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if evt.Config == nil {
		return fmt.Errorf("config reload: event from %s carries no config", evt.Source)
	}

	changed := ChangedSections(r.current, evt.Config)
	if len(changed) == 0 {
		r.logger.Debug("config change detected but no effective differences")
		r.currentHash = evt.NewHash
		return nil
	}
	if restart := RequiresRestart(changed); len(restart) > 0 {
		r.logger.Warn("config sections changed that take effect after restart", "sections", restart)
	}

	if r.apply != nil {
		if err := r.apply(ctx, r.current, evt.Config, changed); err != nil {
			return fmt.Errorf("config reload: %w", err)
		}
	}
	r.logger.Info("config reloaded", "source", evt.Source, "sections", changed, "hash", shortHash(evt.NewHash))
	r.current = evt.Config
	r.currentHash = evt.NewHash
	return nil
}
