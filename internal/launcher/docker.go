package launcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerLauncher runs execution units as containers via the Docker SDK.
type DockerLauncher struct {
	client *client.Client
}

// NewDockerLauncher creates a new Docker-based launcher.
func NewDockerLauncher() (*DockerLauncher, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{client: cli}, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Launch implements Launcher.Launch using Docker containers.
func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	// Check if the image exists locally first to save time.
	_, err := d.client.ImageInspect(ctx, spec.Image)
	if err != nil {
		reader, err := d.client.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   mapToEnvList(spec.Env),
		Labels: map[string]string{
			"flowplane.run_id": spec.RunID.String(),
		},
	}
	created, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &dockerHandle{
		client:      d.client,
		containerID: created.ID,
		startedAt:   time.Now(),
	}, nil
}

// dockerHandle represents one running container.
type dockerHandle struct {
	client      *client.Client
	containerID string
	startedAt   time.Time
}

func (h *dockerHandle) Ref() string {
	return h.containerID
}

func (h *dockerHandle) StartedAt() time.Time {
	return h.startedAt
}

// Poll implements Handle.Poll via container inspection. A container
// record that has disappeared (removed, daemon restarted without it)
// reports Lost.
func (h *dockerHandle) Poll(ctx context.Context) (PollResult, error) {
	inspect, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return PollResult{State: StateLost, Reason: "container record disappeared"}, nil
		}
		return PollResult{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	state := inspect.State
	if state == nil || state.Running {
		return PollResult{State: StateRunning}, nil
	}

	if state.OOMKilled {
		return PollResult{State: StateExited, ExitCode: state.ExitCode, Reason: "container OOM-killed"}, nil
	}
	return PollResult{State: StateExited, ExitCode: state.ExitCode, Reason: state.Error}, nil
}

// Terminate implements Handle.Terminate. ContainerStop delivers the
// graceful stop signal and force-kills after the timeout, which matches
// the grace-then-kill contract exactly.
func (h *dockerHandle) Terminate(ctx context.Context, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	if err := h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &graceSecs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}
