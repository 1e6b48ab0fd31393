/*
Package container manages the lifecycle of container-language plugins.

# Responsibilities

  - Build plugin images from their bundle Dockerfiles via the container
    engine, following the build stream to completion
  - Allocate host ports from the fixed range [8080, 8999], lowest free
    first, returning them to the pool on stop
  - Start containers with memory and CPU limits from the manifest, then
    probe the health-check path at 1-second intervals (up to 30 attempts)
    until the instance reports healthy
  - POST execution requests to the container's API endpoint and decode the
    response
  - Stop, remove and forget instances, releasing their ports even when the
    engine reports stop-time failures
  - Sweep active instances every 30 seconds, marking failed probes
    unhealthy (quarantine only, no automatic restart)

The Engine interface abstracts the engine API; DockerEngine is the
production implementation. The manager exclusively owns the instance table
and the port set, both guarded by one mutex.

One container instance serves one invocation; instances are not pooled.
*/
package container
