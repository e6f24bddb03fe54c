package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecReloader runs a command inside the proxy container, by default
// "nginx -s reload". It implements traffic.Reloader.
type ExecReloader struct {
	api       API
	container string
	cmd       []string
}

// NewExecReloader creates an ExecReloader for the named container. An empty
// cmd means nginx -s reload.
func NewExecReloader(api API, containerName string, cmd ...string) *ExecReloader {
	if len(cmd) == 0 {
		cmd = []string{"nginx", "-s", "reload"}
	}
	return &ExecReloader{api: api, container: containerName, cmd: cmd}
}

// Reload runs the command and fails on a non-zero exit code.
func (r *ExecReloader) Reload(ctx context.Context) error {
	created, err := r.api.ContainerExecCreate(ctx, r.container, container.ExecOptions{
		Cmd:          r.cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("docker: exec in %s: %w", r.container, err)
	}

	attach, err := r.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("docker: attach exec in %s: %w", r.container, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("docker: read exec output from %s: %w", r.container, err)
	}

	inspect, err := r.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("docker: inspect exec in %s: %w", r.container, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("docker: %s in %s exited %d: %s",
			strings.Join(r.cmd, " "), r.container, inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}
