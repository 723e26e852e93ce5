// Package sandbox manages the pool of isolated containers that hold
// generated project workspaces: debounced file writes, tar-based backup and
// restore, TTL cleanup and startup reconciliation.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// LabelKey marks every container owned by this service so the reconciler can
// find orphans after a restart.
const LabelKey = "dev.edward.sandbox"

// Typed runtime errors. Callers branch on these to decide between retry,
// degrade and give-up.
var (
	ErrContainerGone = errors.New("sandbox: container no longer exists")
	ErrExecTimeout   = errors.New("sandbox: command timed out")
)

// CreateSpec describes a new sandbox container. Limits follow the container
// policy: 1 GiB memory, one CPU, 100 pids, no network unless an install
// phase enables it.
type CreateSpec struct {
	Image       string
	Workspace   string
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
	Labels      map[string]string
}

// ContainerInfo is the reconciler's view of an existing container.
type ContainerInfo struct {
	ID     string
	State  string // running, paused, exited
	Labels map[string]string
}

// ExecResult carries the output of a container command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runtime is the container-runtime client contract. DockerCLI is the
// production implementation; MemRuntime backs tests and dev mode.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	List(ctx context.Context, labelKey string) ([]ContainerInfo, error)
	// SetNetwork toggles network access, used only around installs.
	SetNetwork(ctx context.Context, containerID string, enabled bool) error
	// Exec runs cmd with optional stdin, bounded by timeout.
	Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, timeout time.Duration) (ExecResult, error)
	// ExportTar streams an uncompressed tar of dir, skipping exclude names.
	ExportTar(ctx context.Context, containerID, dir string, exclude []string) (io.ReadCloser, error)
	// ImportTar extracts an uncompressed tar stream into dir.
	ImportTar(ctx context.Context, containerID, dir string, r io.Reader) error
}
