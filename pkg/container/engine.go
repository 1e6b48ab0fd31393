package container

import (
	"context"
	"time"
)

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	ContainerPort int
	HostPort      int
	MemoryBytes   int64
	CPUShares     int64
	Labels        map[string]string
}

// Engine abstracts the local container engine. The production
// implementation talks to the Docker Engine API; tests substitute a fake.
type Engine interface {
	// Ping verifies the engine is reachable
	Ping(ctx context.Context) error

	// BuildImage builds an image from a bundle directory and tags it
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error

	// CreateContainer creates a container and returns its engine id
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container
	StartContainer(ctx context.Context, id string) error

	// StopContainer stops a running container within the grace period
	StopContainer(ctx context.Context, id string, grace time.Duration) error

	// RemoveContainer removes a stopped container
	RemoveContainer(ctx context.Context, id string) error

	// Close releases the engine client
	Close() error
}
