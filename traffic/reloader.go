package traffic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Reloader tells the proxy to pick up a rewritten configuration without
// dropping connections.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context) error

func (f ReloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

// NopReloader does nothing; the proxy is expected to watch the file itself.
type NopReloader struct{}

func (NopReloader) Reload(context.Context) error { return nil }

// CommandReloader runs a local command such as "nginx -s reload".
type CommandReloader struct {
	Args []string
}

// NewCommandReloader splits command on whitespace.
func NewCommandReloader(command string) (*CommandReloader, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("reload command is empty")
	}
	return &CommandReloader{Args: args}, nil
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.Args[0], r.Args[1:]...) //nolint:gosec // G204: operator-configured command
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(r.Args, " "), err, msg)
		}
		return fmt.Errorf("%s: %w", strings.Join(r.Args, " "), err)
	}
	return nil
}
