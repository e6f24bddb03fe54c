package deploy

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/rollout/environment"
)

// ProcessController stops and starts the service processes of an
// environment.
type ProcessController interface {
	Stop(ctx context.Context, env environment.Name) error
	Start(ctx context.Context, env environment.Name, version, image string) error
}

// NopProcessController only logs; use it when processes are managed
// elsewhere and a deploy just records the new version.
type NopProcessController struct {
	Logger *slog.Logger
}

func (c NopProcessController) Stop(_ context.Context, env environment.Name) error {
	c.logger().Info("process control disabled, not stopping", "env", env)
	return nil
}

func (c NopProcessController) Start(_ context.Context, env environment.Name, version, image string) error {
	c.logger().Info("process control disabled, not starting", "env", env, "version", version, "image", image)
	return nil
}

func (c NopProcessController) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
