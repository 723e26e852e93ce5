package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
)

// DockerCLI implements Runtime by shelling out to the docker binary. It
// covers single-node deployments without pulling in the full engine SDK.
type DockerCLI struct {
	bin string
	log *zap.Logger
}

// NewDockerCLI builds the runtime. An empty bin means "docker" on PATH.
func NewDockerCLI(bin string, log *zap.Logger) *DockerCLI {
	if bin == "" {
		bin = "docker"
	}
	return &DockerCLI{bin: bin, log: log}
}

func (d *DockerCLI) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "No such container") {
			return "", ErrContainerGone
		}
		return "", apperr.Wrap(apperr.KindSandbox,
			fmt.Sprintf("docker %s: %s", args[0], msg), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *DockerCLI) Create(ctx context.Context, spec CreateSpec) (string, error) {
	args := []string{"create", "--workdir", spec.Workspace}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", spec.MemoryBytes))
	}
	if spec.NanoCPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", float64(spec.NanoCPUs)/1e9))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", spec.PidsLimit))
	}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	// The container idles; all work happens through exec.
	args = append(args, spec.Image, "sleep", "infinity")

	id, err := d.run(ctx, nil, args...)
	if err != nil {
		return "", err
	}
	if _, err := d.run(ctx, nil, "start", id); err != nil {
		d.run(ctx, nil, "rm", "-f", id)
		return "", err
	}
	d.log.Info("sandbox container started", zap.String("container_id", id))
	return id, nil
}

func (d *DockerCLI) Pause(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, nil, "pause", containerID)
	return err
}

func (d *DockerCLI) Unpause(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, nil, "unpause", containerID)
	return err
}

func (d *DockerCLI) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := d.run(ctx, nil, append(args, containerID)...)
	return err
}

func (d *DockerCLI) List(ctx context.Context, labelKey string) ([]ContainerInfo, error) {
	out, err := d.run(ctx, nil, "ps", "-a",
		"--filter", "label="+labelKey,
		"--format", "{{.ID}}\t{{.State}}\t{{.Labels}}")
	if err != nil {
		return nil, err
	}
	var infos []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		info := ContainerInfo{ID: parts[0], State: parts[1], Labels: map[string]string{}}
		if len(parts) == 3 {
			for _, pair := range strings.Split(parts[2], ",") {
				if k, v, ok := strings.Cut(pair, "="); ok {
					info.Labels[k] = v
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *DockerCLI) SetNetwork(ctx context.Context, containerID string, enabled bool) error {
	verb := "disconnect"
	if enabled {
		verb = "connect"
	}
	_, err := d.run(ctx, nil, "network", verb, "bridge", containerID)
	if err != nil && strings.Contains(err.Error(), "already") {
		// connect on a connected container (or disconnect on a detached one)
		// is a no-op, not a failure.
		return nil
	}
	return err
}

func (d *DockerCLI) Exec(ctx context.Context, containerID string, cmdArgs []string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	args := append([]string{"exec", "-i", containerID}, cmdArgs...)
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, ErrExecTimeout
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			if strings.Contains(stderr.String(), "No such container") {
				return res, ErrContainerGone
			}
			// Non-zero exit is a result, not a transport failure.
			return res, nil
		}
		return res, apperr.Wrap(apperr.KindSandbox, "docker exec", err)
	}
	return res, nil
}

// tarStream closes the pipe and reaps the docker process.
type tarStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (t *tarStream) Close() error {
	err := t.ReadCloser.Close()
	t.cmd.Wait()
	return err
}

func (d *DockerCLI) ExportTar(ctx context.Context, containerID, dir string, exclude []string) (io.ReadCloser, error) {
	tarArgs := []string{"tar", "-cf", "-", "-C", dir}
	for _, ex := range exclude {
		tarArgs = append(tarArgs, "--exclude="+ex)
	}
	tarArgs = append(tarArgs, ".")

	args := append([]string{"exec", "-i", containerID}, tarArgs...)
	cmd := exec.CommandContext(ctx, d.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "docker export pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindSandbox, "docker export", err)
	}
	return &tarStream{ReadCloser: stdout, cmd: cmd}, nil
}

func (d *DockerCLI) ImportTar(ctx context.Context, containerID, dir string, r io.Reader) error {
	if _, err := d.run(ctx, nil, "exec", containerID, "mkdir", "-p", dir); err != nil {
		return err
	}
	_, err := d.run(ctx, r, "exec", "-i", containerID, "tar", "-xf", "-", "-C", dir)
	return err
}

var _ Runtime = (*DockerCLI)(nil)
