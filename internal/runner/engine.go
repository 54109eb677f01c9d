// Package runner executes user-submitted jobs in per-user containers. An
// Orchestrator owns the container pool: one container per user, created on
// first job and reused until idle eviction, with any number of concurrent
// Runners execing into it — per-job directories keep that safe. The
// container engine is consumed through the Engine interface; the Docker
// adapter drives any engine speaking the Docker API over a socket, podman
// included.
package runner

import (
	"context"
	"errors"
	"time"
)

// ErrEngineUnavailable is returned when the container engine cannot be
// reached. The job worker leaves queued jobs alone when it sees this.
var ErrEngineUnavailable = errors.New("runner: container engine unavailable")

// ErrContainerNotFound is returned for operations on a container the
// engine no longer knows.
var ErrContainerNotFound = errors.New("runner: container not found")

// ContainerState is the slice of engine inspect output the orchestrator
// cares about.
type ContainerState struct {
	Running bool
	Status  string
}

// ExecOptions shape one in-container command execution.
type ExecOptions struct {
	// User runs the command as the named user; empty means root.
	User string

	// WorkDir is the working directory inside the container.
	WorkDir string

	// Env is appended to the container environment for this exec only.
	Env []string
}

// ExecResult carries the demuxed output of one exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Engine is the container engine surface the orchestrator consumes.
type Engine interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// CreateContainer creates (but does not start) a container running an
	// entrypoint that idles until /root/ENDNOW appears.
	CreateContainer(ctx context.Context, name, image string, env []string) error

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container within timeout.
	StopContainer(ctx context.Context, name string, timeout time.Duration) error

	// RemoveContainer deletes a container, forcibly if asked.
	RemoveContainer(ctx context.Context, name string, force bool) error

	// RenameContainer renames a container; used to move a container out of
	// the live namespace before teardown.
	RenameContainer(ctx context.Context, name, newName string) error

	// ListContainers returns the names of all containers (running or not)
	// whose name starts with prefix.
	ListContainers(ctx context.Context, prefix string) ([]string, error)

	// Inspect reports a container's state. Returns ErrContainerNotFound
	// for unknown names.
	Inspect(ctx context.Context, name string) (ContainerState, error)

	// Exec runs cmd inside the container and returns its demuxed output.
	Exec(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error)

	// PutArchive extracts a tar stream into path inside the container.
	PutArchive(ctx context.Context, name, path string, tarData []byte) error

	// GetArchive returns path from the container as a tar stream.
	GetArchive(ctx context.Context, name, path string) ([]byte, error)
}
