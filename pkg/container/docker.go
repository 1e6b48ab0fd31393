package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
)

// DockerEngine implements Engine against the Docker Engine API
type DockerEngine struct {
	client *client.Client
}

// NewDockerEngine creates a Docker engine client. An empty host uses the
// standard environment configuration (DOCKER_HOST et al).
func NewDockerEngine(host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

// Ping verifies the engine is reachable
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker engine unreachable: %w", err)
	}
	return nil
}

// BuildImage builds an image from the bundle directory and follows the
// build progress stream to completion
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := e.client.ImageBuild(ctx, buildCtx, dockertypes.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build request failed: %w", err)
	}
	defer resp.Body.Close()

	return drainBuildStream(resp.Body)
}

// drainBuildStream consumes the build progress stream and surfaces any
// error entry the daemon reports
func drainBuildStream(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("build failed: %s", msg.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read build stream: %w", err)
	}
	return nil
}

// CreateContainer creates a container bound to the spec's host port
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	natPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	config := &containertypes.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{natPort: struct{}{}},
	}

	hostConfig := &containertypes.HostConfig{
		PortBindings: nat.PortMap{
			natPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: fmt.Sprintf("%d", spec.HostPort),
			}},
		},
	}
	if spec.MemoryBytes > 0 {
		hostConfig.Resources.Memory = spec.MemoryBytes
	}
	if spec.CPUShares > 0 {
		hostConfig.Resources.CPUShares = spec.CPUShares
	}

	resp, err := e.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container
func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := e.client.ContainerStart(ctx, id, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a running container within the grace period
func (e *DockerEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := e.client.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveContainer removes a stopped container
func (e *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	if err := e.client.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Close releases the engine client
func (e *DockerEngine) Close() error {
	return e.client.Close()
}
