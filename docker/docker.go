// Package docker controls the containers of the blue and green environments
// and reloads the proxy container through the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GoCodeAlone/rollout/environment"
)

// API is the part of the Docker Engine client used by this package.
// *client.Client satisfies it.
type API interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

var _ API = (*client.Client)(nil)

// NewClient creates a Docker client from the environment (DOCKER_HOST etc.).
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: failed to create client: %w", err)
	}
	return cli, nil
}

// Service is one container of an environment.
type Service struct {
	Container string   `yaml:"container"`
	Image     string   `yaml:"image"`        // repository; the deployed version is the tag
	Suffix    string   `yaml:"image_suffix"` // appended to a deploy-time image override
	Port      int      `yaml:"port"`
	Env       []string `yaml:"env"`
}

// Config describes the containers of both environments.
type Config struct {
	Network      string                        `yaml:"network"`
	StopTimeout  time.Duration                 `yaml:"stop_timeout"`
	Environments map[environment.Name][]Service `yaml:"environments"`
}

// DefaultConfig returns a backend and a frontend container per environment
// on the ports the health prober expects.
func DefaultConfig() Config {
	return Config{
		Network:     "rollout",
		StopTimeout: 30 * time.Second,
		Environments: map[environment.Name][]Service{
			environment.Blue: {
				{Container: "rollout_blue_backend", Image: "rollout/backend", Port: 5002},
				{Container: "rollout_blue_frontend", Image: "rollout/frontend", Suffix: "-frontend", Port: 3002},
			},
			environment.Green: {
				{Container: "rollout_green_backend", Image: "rollout/backend", Port: 5001},
				{Container: "rollout_green_frontend", Image: "rollout/frontend", Suffix: "-frontend", Port: 3001},
			},
		},
	}
}

// Labels set on every container started by the Controller.
const (
	LabelEnvironment = "rollout.environment"
	LabelVersion     = "rollout.version"
)

// Controller stops and starts environment containers. It implements
// deploy.ProcessController.
type Controller struct {
	api    API
	cfg    Config
	logger *slog.Logger
}

// NewController creates a Controller. A nil logger means slog.Default().
func NewController(api API, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	return &Controller{api: api, cfg: cfg, logger: logger}
}

// Stop stops and removes every container of env. Missing containers are
// not an error.
func (c *Controller) Stop(ctx context.Context, env environment.Name) error {
	services, err := c.services(env)
	if err != nil {
		return err
	}
	timeout := int(c.cfg.StopTimeout.Seconds())
	for _, svc := range services {
		if err := c.api.ContainerStop(ctx, svc.Container, container.StopOptions{Timeout: &timeout}); err != nil {
			if !errdefs.IsNotFound(err) {
				return fmt.Errorf("docker: stop %s: %w", svc.Container, err)
			}
			c.logger.Debug("container not found, nothing to stop", "container", svc.Container)
			continue
		}
		if err := c.api.ContainerRemove(ctx, svc.Container, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("docker: remove %s: %w", svc.Container, err)
		}
		c.logger.Info("container stopped", "env", env, "container", svc.Container)
	}
	return nil
}

// Start creates and starts the containers of env at version. A non-empty
// imageOverride replaces each service's repository, followed by its Suffix.
func (c *Controller) Start(ctx context.Context, env environment.Name, version, imageOverride string) error {
	services, err := c.services(env)
	if err != nil {
		return err
	}
	for _, svc := range services {
		ref := ImageRef(svc, version, imageOverride)
		if err := c.ensureImage(ctx, ref); err != nil {
			return fmt.Errorf("docker: pull %s: %w", ref, err)
		}

		config, hostConfig := c.containerConfig(env, svc, ref, version)
		resp, err := c.api.ContainerCreate(ctx, config, hostConfig, nil, nil, svc.Container)
		if err != nil {
			return fmt.Errorf("docker: create %s: %w", svc.Container, err)
		}
		for _, w := range resp.Warnings {
			c.logger.Warn("docker warning", "container", svc.Container, "warning", w)
		}
		if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("docker: start %s: %w", svc.Container, err)
		}
		c.logger.Info("container started", "env", env, "container", svc.Container, "image", ref)
	}
	return nil
}

// ImageRef returns the image reference a service is started from.
func ImageRef(svc Service, version, imageOverride string) string {
	repo := svc.Image
	if imageOverride != "" {
		repo = imageOverride + svc.Suffix
	}
	if version == "" {
		return repo
	}
	return repo + ":" + version
}

func (c *Controller) services(env environment.Name) ([]Service, error) {
	services, ok := c.cfg.Environments[env]
	if !ok || len(services) == 0 {
		return nil, fmt.Errorf("docker: no containers configured for %s", env)
	}
	return services, nil
}

func (c *Controller) containerConfig(env environment.Name, svc Service, ref, version string) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image: ref,
		Env:   svc.Env,
		Labels: map[string]string{
			LabelEnvironment: string(env),
			LabelVersion:     version,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if svc.Port > 0 {
		port := nat.Port(strconv.Itoa(svc.Port) + "/tcp")
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(svc.Port)}},
		}
	}
	if c.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(c.cfg.Network)
	}
	return config, hostConfig
}

// ensureImage pulls the image if it is not available locally.
func (c *Controller) ensureImage(ctx context.Context, ref string) error {
	_, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil // Image already present
	}

	reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Consume the pull output to completion
	_, err = io.Copy(io.Discard, reader)
	return err
}
