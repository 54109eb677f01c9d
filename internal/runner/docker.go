package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// endnowLoop is the container entrypoint: idle until the orchestrator
// touches /root/ENDNOW, then exit so the engine can reap the container.
const endnowLoop = "while [ ! -f /root/ENDNOW ]; do sleep 1; done"

// dockerEngine drives a Docker-API-compatible engine over its socket.
type dockerEngine struct {
	docker *dockerclient.Client
}

// NewDockerEngine connects to the engine at uri (e.g.
// "unix:///run/podman/podman.sock"). An empty uri falls back to the SDK
// default (DOCKER_HOST, then the platform socket).
func NewDockerEngine(uri string) (Engine, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if uri != "" {
		opts = append(opts, dockerclient.WithHost(uri))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	return &dockerEngine{docker: dc}, nil
}

// Ping implements Engine.
func (e *dockerEngine) Ping(ctx context.Context) error {
	if _, err := e.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
	}
	return nil
}

// CreateContainer implements Engine. The container runs the ENDNOW idle
// loop so it stays up between job execs.
func (e *dockerEngine) CreateContainer(ctx context.Context, name, image string, env []string) error {
	cfg := &container.Config{
		Image: image,
		Env:   env,
		Cmd:   []string{"bash", "-c", endnowLoop},
	}
	if _, err := e.docker.ContainerCreate(ctx, cfg, nil, nil, nil, name); err != nil {
		return fmt.Errorf("runner: create container %s: %w", name, err)
	}
	return nil
}

// StartContainer implements Engine.
func (e *dockerEngine) StartContainer(ctx context.Context, name string) error {
	if err := e.docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("runner: start container %s: %w", name, mapNotFound(err))
	}
	return nil
}

// StopContainer implements Engine.
func (e *dockerEngine) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := e.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs})
	if err != nil {
		return fmt.Errorf("runner: stop container %s: %w", name, mapNotFound(err))
	}
	return nil
}

// RemoveContainer implements Engine.
func (e *dockerEngine) RemoveContainer(ctx context.Context, name string, force bool) error {
	err := e.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("runner: remove container %s: %w", name, mapNotFound(err))
	}
	return nil
}

// RenameContainer implements Engine.
func (e *dockerEngine) RenameContainer(ctx context.Context, name, newName string) error {
	if err := e.docker.ContainerRename(ctx, name, newName); err != nil {
		return fmt.Errorf("runner: rename container %s: %w", name, mapNotFound(err))
	}
	return nil
}

// ListContainers implements Engine.
func (e *dockerEngine) ListContainers(ctx context.Context, prefix string) ([]string, error) {
	list, err := e.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("runner: list containers: %w", err)
	}

	var names []string
	for _, c := range list {
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			// The name filter is a substring match; enforce the prefix.
			if strings.HasPrefix(n, prefix) {
				names = append(names, n)
				break
			}
		}
	}
	return names, nil
}

// Inspect implements Engine.
func (e *dockerEngine) Inspect(ctx context.Context, name string) (ContainerState, error) {
	info, err := e.docker.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerState{}, mapNotFound(err)
	}
	state := ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
	}
	return state, nil
}

// Exec implements Engine. Output is demuxed into separate stdout and
// stderr streams.
func (e *dockerEngine) Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error) {
	execCfg := container.ExecOptions{
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := e.docker.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runner: exec create in %s: %w", name, mapNotFound(err))
	}

	attach, err := e.docker.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("runner: exec attach in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("runner: exec read in %s: %w", name, err)
	}

	inspect, err := e.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runner: exec inspect in %s: %w", name, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// PutArchive implements Engine.
func (e *dockerEngine) PutArchive(ctx context.Context, name, path string, tarData []byte) error {
	err := e.docker.CopyToContainer(ctx, name, path, bytes.NewReader(tarData), container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("runner: put archive to %s:%s: %w", name, path, mapNotFound(err))
	}
	return nil
}

// GetArchive implements Engine.
func (e *dockerEngine) GetArchive(ctx context.Context, name, path string) ([]byte, error) {
	reader, _, err := e.docker.CopyFromContainer(ctx, name, path)
	if err != nil {
		return nil, fmt.Errorf("runner: get archive from %s:%s: %w", name, path, mapNotFound(err))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("runner: read archive from %s:%s: %w", name, path, err)
	}
	return data, nil
}

// mapNotFound converts engine not-found errors to the package sentinel.
func mapNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	}
	return err
}
