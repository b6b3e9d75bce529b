package pool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/cyberred/cyberred/internal/models"
)

// DockerFactory creates sandboxes on the local docker daemon. Containers run
// with networking disabled, a read-only rootfs and tight resource caps;
// engagements that need network reach from tools must opt in explicitly.
type DockerFactory struct {
	cli         *client.Client
	image       string
	networkMode string
	log         *slog.Logger
}

// NewDockerFactory connects to the docker daemon from the environment.
// networkMode defaults to "none".
func NewDockerFactory(image, networkMode string) (*DockerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerFactory{
		cli:         cli,
		image:       image,
		networkMode: networkMode,
		log:         slog.Default().With("component", "pool", "backend", "docker"),
	}, nil
}

// Create provisions (but does not start) a sandbox container.
func (f *DockerFactory) Create(ctx context.Context) (Container, error) {
	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(f.networkMode),
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   512 * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,nosuid,size=64m",
		},
	}
	name := "cyberred-sandbox-" + uuid.New().String()[:8]
	resp, err := f.cli.ContainerCreate(ctx, &container.Config{
		Image: f.image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	return &dockerContainer{cli: f.cli, id: resp.ID, log: f.log}, nil
}

// Close releases the docker client.
func (f *DockerFactory) Close() error {
	return f.cli.Close()
}

type dockerContainer struct {
	cli *client.Client
	id  string
	log *slog.Logger
}

func (c *dockerContainer) ID() string { return c.id }

func (c *dockerContainer) Start(ctx context.Context) error {
	if err := c.cli.ContainerStart(ctx, c.id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", c.id[:12], err)
	}
	return nil
}

func (c *dockerContainer) Stop(ctx context.Context) error {
	timeout := 5
	if err := c.cli.ContainerStop(ctx, c.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", c.id[:12], err)
	}
	return c.cli.ContainerRemove(ctx, c.id, types.ContainerRemoveOptions{Force: true})
}

func (c *dockerContainer) IsHealthy(ctx context.Context) bool {
	inspect, err := c.cli.ContainerInspect(ctx, c.id)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Execute runs a command through docker exec, capturing demultiplexed
// stdout/stderr and the exit code. Expected failures become ToolResult
// values, never errors.
func (c *dockerContainer) Execute(ctx context.Context, command string, timeout time.Duration) *models.ToolResult {
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := func(success bool, stdout, stderr string, exitCode int, errType string) *models.ToolResult {
		return &models.ToolResult{
			Success:    success,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitCode:   exitCode,
			DurationMS: time.Since(start).Milliseconds(),
			ErrorType:  errType,
		}
	}

	execID, err := c.cli.ContainerExecCreate(execCtx, c.id, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", command},
	})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return result(false, "", fmt.Sprintf("execution timed out after %s", timeout), -1, models.ErrTimeout)
		}
		return result(false, "", err.Error(), -1, models.ErrContainerCrashed)
	}

	attach, err := c.cli.ContainerExecAttach(execCtx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return result(false, "", err.Error(), -1, models.ErrContainerCrashed)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-execCtx.Done():
		return result(false, stdout.String(), fmt.Sprintf("execution timed out after %s", timeout), -1, models.ErrTimeout)
	case err := <-copyDone:
		if err != nil {
			return result(false, stdout.String(), err.Error(), -1, models.ErrExecutionException)
		}
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return result(false, stdout.String(), err.Error(), -1, models.ErrContainerCrashed)
	}
	if inspect.ExitCode != 0 {
		return result(false, stdout.String(), stderr.String(), inspect.ExitCode, models.ErrNonZeroExit)
	}
	return result(true, stdout.String(), stderr.String(), 0, "")
}
