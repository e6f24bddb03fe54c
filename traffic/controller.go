// Package traffic applies blue/green traffic splits to the reverse proxy.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/GoCodeAlone/rollout/environment"
)

var tracer = otel.Tracer("github.com/GoCodeAlone/rollout/traffic")

// Observer receives the outcome of every split application.
type Observer interface {
	SplitApplied(split environment.Split, err error)
}

// Config locates the proxy configuration and its upstreams.
type Config struct {
	// ConfigPath is the file the proxy includes.
	ConfigPath string
	Upstreams  map[environment.Name]Upstreams
	// Listen is the proxy port; 80 when zero.
	Listen int
}

// Controller renders and reloads the proxy configuration and records the
// committed split in the registry. Calls are serialized.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	registry *environment.Registry
	reloader Reloader
	observer Observer
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// NewController creates a Controller. A nil reloader means NopReloader.
func NewController(registry *environment.Registry, cfg Config, reloader Reloader, opts ...Option) *Controller {
	if reloader == nil {
		reloader = NopReloader{}
	}
	if cfg.Upstreams == nil {
		cfg.Upstreams = DefaultUpstreams()
	}
	c := &Controller{cfg: cfg, registry: registry, reloader: reloader, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the committed split.
func (c *Controller) Current() environment.Split {
	return c.registry.Split()
}

// SetSplit applies split: it writes the proxy configuration, reloads the
// proxy and persists the split. When the reload or the persist fails the
// previous file is put back, the proxy is reloaded onto it and the committed
// split stays as it was.
func (c *Controller) SetSplit(ctx context.Context, split environment.Split) (err error) {
	ctx, span := tracer.Start(ctx, "traffic.set_split")
	span.SetAttributes(attribute.Int("traffic.blue", split.Blue), attribute.Int("traffic.green", split.Green))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.observer != nil {
			c.observer.SplitApplied(split, err)
		}
	}()

	if err := split.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	undo, err := c.apply(ctx, split)
	if err != nil {
		return err
	}
	if err := c.registry.SetSplit(ctx, split); err != nil {
		c.logger.Error("persisting split failed, restoring previous proxy config", "error", err)
		if undoErr := undo(ctx); undoErr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, undoErr)
		}
		return err
	}
	c.logger.Info("traffic split applied", "blue", split.Blue, "green", split.Green)
	return nil
}

// Sync rewrites the configuration for the committed split and reloads the
// proxy, for example after the proxy container was recreated.
func (c *Controller) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.apply(ctx, c.registry.Split())
	return err
}

// apply writes and loads the configuration for split. On success it returns
// a function that puts the previous configuration back and reloads the proxy.
func (c *Controller) apply(ctx context.Context, split environment.Split) (undo func(context.Context) error, err error) {
	rendered, err := RenderNginx(split, c.cfg.Upstreams, c.cfg.Listen)
	if err != nil {
		return nil, err
	}

	previous, readErr := os.ReadFile(c.cfg.ConfigPath)
	hadPrevious := readErr == nil
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return nil, fmt.Errorf("read current proxy config: %w", readErr)
	}

	if err := environment.WriteFileAtomic(c.cfg.ConfigPath, rendered, 0o644); err != nil { //nolint:gosec // G306: proxy must read it
		return nil, fmt.Errorf("write proxy config: %w", err)
	}

	if err := c.reloader.Reload(ctx); err != nil {
		c.logger.Error("proxy reload failed, restoring previous config", "error", err)
		if restoreErr := c.restore(previous, hadPrevious); restoreErr != nil {
			return nil, fmt.Errorf("reload proxy: %w (restore failed: %v)", err, restoreErr)
		}
		return nil, fmt.Errorf("reload proxy: %w", err)
	}

	undo = func(ctx context.Context) error {
		if err := c.restore(previous, hadPrevious); err != nil {
			return err
		}
		return c.reloader.Reload(context.WithoutCancel(ctx))
	}
	return undo, nil
}

func (c *Controller) restore(previous []byte, hadPrevious bool) error {
	if !hadPrevious {
		if err := os.Remove(c.cfg.ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return environment.WriteFileAtomic(c.cfg.ConfigPath, previous, 0o644) //nolint:gosec // G306: proxy must read it
}
