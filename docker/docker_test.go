package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"reflect"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GoCodeAlone/rollout/environment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type created struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

// fakeAPI records calls instead of talking to a Docker daemon.
type fakeAPI struct {
	local   map[string]bool
	pulled  []string
	created []created
	started []string
	stopped []string
	removed []string
	missing map[string]bool

	execCmd    []string
	execStdout string
	execStderr string
	execExit   int
}

func (f *fakeAPI) ImageInspectWithRaw(_ context.Context, ref string) (image.InspectResponse, []byte, error) {
	if f.local[ref] {
		return image.InspectResponse{ID: ref}, nil, nil
	}
	return image.InspectResponse{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created = append(f.created, created{name: name, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	if f.missing[id] {
		return errdefs.NotFound(errors.New("no such container"))
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, _ string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.execCmd = options.Cmd
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.execStdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.execStdout))
	}
	if f.execStderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.execStderr))
	}
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: "exec-1", ExitCode: f.execExit}, nil
}

func (f *fakeAPI) Close() error { return nil }

func TestController_StartCreatesContainers(t *testing.T) {
	api := &fakeAPI{local: map[string]bool{"shop:2.0.0": true}}
	c := NewController(api, DefaultConfig(), testLogger())

	if err := c.Start(context.Background(), environment.Green, "2.0.0", "shop"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if want := []string{"shop-frontend:2.0.0"}; !reflect.DeepEqual(api.pulled, want) {
		t.Errorf("pulled = %v, want %v", api.pulled, want)
	}
	if len(api.created) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(api.created))
	}

	backend := api.created[0]
	if backend.name != "rollout_green_backend" || backend.config.Image != "shop:2.0.0" {
		t.Errorf("unexpected backend container: %s %s", backend.name, backend.config.Image)
	}
	if backend.config.Labels[LabelEnvironment] != "green" || backend.config.Labels[LabelVersion] != "2.0.0" {
		t.Errorf("unexpected labels: %v", backend.config.Labels)
	}
	bindings := backend.hostConfig.PortBindings[nat.Port("5001/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "5001" {
		t.Errorf("unexpected port bindings: %v", backend.hostConfig.PortBindings)
	}
	if backend.hostConfig.NetworkMode != "rollout" {
		t.Errorf("unexpected network mode %q", backend.hostConfig.NetworkMode)
	}

	wantStarted := []string{"id-rollout_green_backend", "id-rollout_green_frontend"}
	if !reflect.DeepEqual(api.started, wantStarted) {
		t.Errorf("started = %v, want %v", api.started, wantStarted)
	}
}

func TestController_StopIgnoresMissingContainers(t *testing.T) {
	api := &fakeAPI{missing: map[string]bool{"rollout_blue_frontend": true}}
	c := NewController(api, DefaultConfig(), testLogger())

	if err := c.Stop(context.Background(), environment.Blue); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if want := []string{"rollout_blue_backend"}; !reflect.DeepEqual(api.stopped, want) {
		t.Errorf("stopped = %v, want %v", api.stopped, want)
	}
	if want := []string{"rollout_blue_backend"}; !reflect.DeepEqual(api.removed, want) {
		t.Errorf("removed = %v, want %v", api.removed, want)
	}
}

func TestController_UnconfiguredEnvironment(t *testing.T) {
	c := NewController(&fakeAPI{}, Config{}, testLogger())
	if err := c.Stop(context.Background(), environment.Blue); err == nil {
		t.Error("expected error for an environment without containers")
	}
}

func TestImageRef(t *testing.T) {
	svc := Service{Image: "rollout/frontend", Suffix: "-frontend"}
	tests := []struct {
		version, override, want string
	}{
		{"1.2.0", "", "rollout/frontend:1.2.0"},
		{"1.2.0", "registry.local/shop", "registry.local/shop-frontend:1.2.0"},
		{"", "", "rollout/frontend"},
	}
	for _, tt := range tests {
		if got := ImageRef(svc, tt.version, tt.override); got != tt.want {
			t.Errorf("ImageRef(%q, %q) = %q, want %q", tt.version, tt.override, got, tt.want)
		}
	}
}

func TestExecReloader(t *testing.T) {
	api := &fakeAPI{}
	r := NewExecReloader(api, "rollout_nginx")
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if want := []string{"nginx", "-s", "reload"}; !reflect.DeepEqual(api.execCmd, want) {
		t.Errorf("cmd = %v, want %v", api.execCmd, want)
	}
}

func TestExecReloader_NonZeroExit(t *testing.T) {
	api := &fakeAPI{execExit: 1, execStderr: "nginx: [emerg] unknown directive\n"}
	r := NewExecReloader(api, "rollout_nginx", "nginx", "-t")
	err := r.Reload(context.Background())
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "exited 1") || !strings.Contains(err.Error(), "unknown directive") {
		t.Errorf("unexpected error: %v", err)
	}
}
