// Package docker is the container runtime control plane: image pulls over the
// Docker Engine API and compose stack lifecycle via the docker compose CLI.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Stack runtime states.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateUnknown = "unknown"
)

// Client wraps the Docker Engine API client plus the compose CLI.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewClient creates a Client connected to the Docker daemon.
// socketPath defaults to /var/run/docker.sock if empty.
func NewClient(socketPath string, logger *slog.Logger) (*Client, error) {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli, logger: logger}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// pullStream starts an image pull and returns the raw progress stream.
func (c *Client) pullStream(ctx context.Context, refStr string) (io.ReadCloser, error) {
	return c.cli.ImagePull(ctx, refStr, image.PullOptions{})
}

// LocalImageDigest returns the registry digest of a locally present image, or
// an empty string when the image has no repo digest (e.g. built locally).
func (c *Client) LocalImageDigest(ctx context.Context, refStr string) (string, error) {
	inspect, _, err := c.cli.ImageInspectWithRaw(ctx, refStr)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", refStr, err)
	}
	for _, rd := range inspect.RepoDigests {
		if _, digest, ok := strings.Cut(rd, "@"); ok {
			return digest, nil
		}
	}
	return "", nil
}

// StackState reports the aggregate state of a compose project's containers.
func (c *Client) StackState(ctx context.Context, stackName string) (string, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return StateUnknown, err
	}

	total, running := 0, 0
	for _, ctr := range containers {
		if ctr.Labels["com.docker.compose.project"] != stackName {
			continue
		}
		total++
		if ctr.State == "running" {
			running++
		}
	}

	switch {
	case total == 0:
		return StateStopped, nil
	case running == total:
		return StateRunning, nil
	default:
		return StateStopped, nil
	}
}

// ApplyStack brings a compose stack up in detached mode. composePath points
// at the stack's docker-compose.yml; the project name is the directory name.
func (c *Client) ApplyStack(ctx context.Context, composePath string) error {
	return c.runCompose(ctx, filepath.Dir(composePath), "up", "-d", "--remove-orphans")
}

// TearDownStack stops and removes a compose stack, optionally its volumes.
func (c *Client) TearDownStack(ctx context.Context, composePath string, removeVolumes bool) error {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return c.runCompose(ctx, filepath.Dir(composePath), args...)
}

// StopStack stops a stack's containers without removing them.
func (c *Client) StopStack(ctx context.Context, composePath string) error {
	return c.runCompose(ctx, filepath.Dir(composePath), "stop")
}

// StartStack starts a stopped stack's containers.
func (c *Client) StartStack(ctx context.Context, composePath string) error {
	return c.runCompose(ctx, filepath.Dir(composePath), "start")
}

// RestartStack restarts a stack's containers.
func (c *Client) RestartStack(ctx context.Context, composePath string) error {
	return c.runCompose(ctx, filepath.Dir(composePath), "restart")
}

// runCompose executes a docker compose command in the given directory.
func (c *Client) runCompose(ctx context.Context, dir string, args ...string) error {
	fullArgs := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, "docker", fullArgs...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME="+filepath.Base(dir))

	output, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("docker compose failed",
			"dir", dir,
			"args", strings.Join(args, " "),
			"output", string(output),
			"err", err,
		)
		return fmt.Errorf("docker compose %s: %s", args[0], strings.TrimSpace(string(output)))
	}
	return nil
}
