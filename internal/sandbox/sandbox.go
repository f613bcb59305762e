// Package sandbox manages the lifecycle of the single Docker container the
// Agent's wrapper program execs into.
//
// Adapted from the example pack's DockerManager.EnsureContainer: inspect by
// name, branch on running/stopped/missing, and either reuse, restart
// in-place within a grace period, or recreate. This gateway has exactly one
// sandbox container rather than one per user, so the per-user naming,
// volume provisioning, and network creation collapse to a single fixed
// container name/image pair from configuration.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// State is the observed lifecycle state of the sandbox container.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateMissing State = "missing"
)

const (
	stopTimeoutSecs     = 10
	createRetryAttempts = 10
	createRetryDelay    = 250 * time.Millisecond

	// restartGracePeriod bounds how long a stopped container may be
	// restarted in place before it is recreated from the configured image
	// instead, discarding anything wrong with its current state.
	restartGracePeriod = 60 * time.Minute
)

// Controller queries and manages the sandbox container's lifecycle.
type Controller struct {
	cli           *client.Client
	containerName string
	image         string

	// lastSeenRunning tracks the last time GetState observed the container
	// running, to bound the restart-in-place grace period.
	lastSeenRunning time.Time
}

// New returns a Controller using the default Docker client configuration
// (DOCKER_HOST and friends from the environment).
func New(containerName, image string) (*Controller, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &Controller{cli: cli, containerName: containerName, image: image}, nil
}

// GetState reports whether the sandbox container is running, stopped, or
// does not exist.
func (c *Controller) GetState(ctx context.Context) (State, error) {
	inspect, err := c.cli.ContainerInspect(ctx, c.containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return "", fmt.Errorf("sandbox: inspect container %s: %w", c.containerName, err)
	}
	if inspect.State.Running {
		c.lastSeenRunning = time.Now()
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Info is a richer snapshot of the sandbox container's state, including
// when it started running, for the monitor endpoint.
type Info struct {
	State     State
	StartedAt time.Time
}

// Inspect reports the container's state and, if running, when it last
// started. StartedAt is the zero time when the container is stopped or
// missing.
func (c *Controller) Inspect(ctx context.Context) (Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, c.containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Info{State: StateMissing}, nil
		}
		return Info{}, fmt.Errorf("sandbox: inspect container %s: %w", c.containerName, err)
	}
	if !inspect.State.Running {
		return Info{State: StateStopped}, nil
	}
	c.lastSeenRunning = time.Now()
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	return Info{State: StateRunning, StartedAt: startedAt}, nil
}

// EnsureRunning brings the sandbox container to the running state,
// idempotently: a running container is left alone, a stopped container is
// restarted in place within the grace period (or recreated outside it), and
// a missing container is created and started fresh.
func (c *Controller) EnsureRunning(ctx context.Context) error {
	inspect, err := c.cli.ContainerInspect(ctx, c.containerName)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("sandbox: inspect container %s: %w", c.containerName, err)
		}
		return c.create(ctx)
	}

	if inspect.State.Running {
		slog.Debug("sandbox container already running", "container", c.containerName)
		return nil
	}

	if time.Since(c.lastSeenRunning) < restartGracePeriod {
		slog.Info("restarting stopped sandbox container", "container", c.containerName)
		if err := c.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err == nil {
			return nil
		}
		slog.Warn("restart failed, recreating sandbox container", "container", c.containerName)
	} else {
		slog.Info("sandbox container outside restart grace period, recreating", "container", c.containerName)
	}

	if err := c.Stop(ctx); err != nil {
		slog.Warn("failed to stop sandbox container before recreation", "error", err)
	}
	return c.create(ctx)
}

func (c *Controller) create(ctx context.Context) error {
	slog.Info("creating sandbox container", "container", c.containerName, "image", c.image)

	config := &container.Config{
		Image: c.image,
		Tty:   true,
	}
	hostConfig := &container.HostConfig{}

	var resp container.CreateResponse
	var createErr error
	for attempt := 0; attempt < createRetryAttempts; attempt++ {
		resp, createErr = c.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, c.containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return fmt.Errorf("sandbox: create container: %w", createErr)
		}

		if inspect, inspectErr := c.cli.ContainerInspect(ctx, c.containerName); inspectErr == nil {
			if stopErr := c.stopByID(ctx, inspect.ID); stopErr != nil {
				slog.Warn("failed to stop conflicting sandbox container before retry", "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return fmt.Errorf("sandbox: create container after retries: %w", createErr)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start container %s: %w", resp.ID, err)
	}
	c.lastSeenRunning = time.Now()
	slog.Info("sandbox container created and started", "container_id", resp.ID)
	return nil
}

// Stop stops and removes the sandbox container by name. It is idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	inspect, err := c.cli.ContainerInspect(ctx, c.containerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("sandbox: inspect container %s: %w", c.containerName, err)
	}
	return c.stopByID(ctx, inspect.ID)
}

func (c *Controller) stopByID(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Debug("sandbox container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("sandbox: remove container %s: %w", containerID, err)
	}
	return nil
}

// Close releases the underlying Docker client's resources.
func (c *Controller) Close() error {
	return c.cli.Close()
}
