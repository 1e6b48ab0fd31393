package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/events"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

const (
	// readyAttempts is how many 1-second readiness probes run before the
	// instance is declared failed
	readyAttempts = 30

	// stopGrace is how long a container gets to stop before being killed
	stopGrace = 10 * time.Second
)

// Manager owns container instance records and the port allocation set.
// One instance exists per active invocation; instances are not pooled.
type Manager struct {
	engine Engine
	ports  *PortAllocator
	broker *events.Broker

	mu        sync.Mutex
	instances map[string]*types.ContainerInstance

	// hostAddr is where published container ports are reachable
	hostAddr string

	httpClient *http.Client
	cron       *cron.Cron
	logger     zerolog.Logger
}

// NewManager creates a container manager over an engine
func NewManager(engine Engine, broker *events.Broker) *Manager {
	return &Manager{
		engine:     engine,
		ports:      NewPortAllocator(),
		broker:     broker,
		instances:  make(map[string]*types.ContainerInstance),
		hostAddr:   "localhost",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.WithComponent("container"),
	}
}

// StartPluginContainer builds the plugin's image, allocates a host port,
// starts the container and waits for it to become ready. On any failure the
// partially started container is torn down and the port released.
func (m *Manager) StartPluginContainer(ctx context.Context, manifest *types.Manifest, bundleRoot string) (*types.ContainerInstance, error) {
	cfg := manifest.Container
	if cfg == nil {
		return nil, errs.Newf(errs.CodeContainerStartFailed, "container",
			"plugin %s has no container configuration", manifest.ID)
	}

	instance := &types.ContainerInstance{
		InstanceID:   uuid.New().String(),
		PluginID:     manifest.ID,
		Image:        cfg.Image,
		Status:       types.ContainerStatusBuilding,
		CreatedAt:    time.Now(),
		HealthStatus: types.HealthStateUnknown,
	}

	if err := m.buildImage(ctx, cfg, bundleRoot); err != nil {
		metrics.ContainerBuildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ContainerBuildsTotal.WithLabelValues("ok").Inc()

	hostPort, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}
	instance.HostPort = hostPort

	containerPort := 8080
	if len(cfg.Ports) > 0 {
		containerPort = cfg.Ports[0].ContainerPort
	}

	spec := ContainerSpec{
		Name:          fmt.Sprintf("capman-%s-%s", manifest.Verb, instance.InstanceID[:8]),
		Image:         cfg.Image,
		Env:           []string{fmt.Sprintf("PORT=%d", containerPort)},
		ContainerPort: containerPort,
		HostPort:      hostPort,
		MemoryBytes:   ParseMemory(cfg.Memory),
		CPUShares:     cpuShares(cfg.CPU),
		Labels: map[string]string{
			"app":         "capman",
			"plugin-id":   manifest.ID,
			"instance-id": instance.InstanceID,
		},
	}

	engineID, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		m.ports.Release(hostPort)
		return nil, errs.New(errs.CodeContainerStartFailed, "container",
			fmt.Sprintf("failed to create container for %s", manifest.ID), errs.WithCause(err))
	}
	instance.EngineContainerID = engineID
	instance.Status = types.ContainerStatusStarting

	m.mu.Lock()
	m.instances[instance.InstanceID] = instance
	metrics.ContainersActive.Set(float64(len(m.instances)))
	m.mu.Unlock()

	// stopFailed stops and removes the engine container, then releases the
	// port and record; it uses its own context so an expired caller context
	// does not skip the stop
	stopFailed := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.StopPluginContainer(stopCtx, instance.InstanceID)
	}

	if err := m.engine.StartContainer(ctx, engineID); err != nil {
		stopFailed()
		return nil, errs.New(errs.CodeContainerStartFailed, "container",
			fmt.Sprintf("failed to start container for %s", manifest.ID), errs.WithCause(err))
	}

	if err := m.WaitForReady(ctx, instance, cfg); err != nil {
		// Started but never became ready: stop it
		stopFailed()
		return nil, err
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventContainerStarted,
			Message: fmt.Sprintf("container for %s running on port %d", manifest.ID, hostPort),
			Metadata: map[string]string{
				"plugin_id":   manifest.ID,
				"instance_id": instance.InstanceID,
				"host_port":   strconv.Itoa(hostPort),
			},
		})
	}

	m.logger.Info().
		Str("plugin_id", manifest.ID).
		Str("instance_id", instance.InstanceID).
		Int("host_port", hostPort).
		Msg("container running")
	return instance, nil
}

func (m *Manager) buildImage(ctx context.Context, cfg *types.ContainerConfig, bundleRoot string) error {
	dockerfile := cfg.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	buildContext := bundleRoot
	if cfg.BuildContext != "" && cfg.BuildContext != "." {
		buildContext = filepath.Join(bundleRoot, cfg.BuildContext)
	}

	m.logger.Info().Str("image", cfg.Image).Str("context", buildContext).Msg("building image")
	if err := m.engine.BuildImage(ctx, buildContext, dockerfile, cfg.Image); err != nil {
		return errs.New(errs.CodeContainerBuildFailed, "container",
			fmt.Sprintf("image build failed for %s", cfg.Image), errs.WithCause(err))
	}
	return nil
}

// WaitForReady polls the health-check path at 1-second intervals until the
// container reports healthy, the attempts are exhausted, or ctx is
// cancelled. Exhaustion marks the instance errored.
func (m *Manager) WaitForReady(ctx context.Context, instance *types.ContainerInstance, cfg *types.ContainerConfig) error {
	path := cfg.HealthCheckPath
	if path == "" {
		path = "/health"
	}
	url := fmt.Sprintf("http://%s:%d%s", m.hostAddr, instance.HostPort, path)

	for attempt := 0; attempt < readyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if m.probe(ctx, url) {
			m.mu.Lock()
			instance.Status = types.ContainerStatusRunning
			instance.HealthStatus = types.HealthStateHealthy
			instance.LastHealthCheck = time.Now()
			m.mu.Unlock()
			return nil
		}
	}

	m.mu.Lock()
	instance.Status = types.ContainerStatusError
	m.mu.Unlock()
	return errs.Newf(errs.CodeContainerHealthCheckFailed, "container",
		"container for %s failed %d readiness probes", instance.PluginID, readyAttempts)
}

// probe performs one health request; healthy means HTTP 200 with a body
// field status=healthy
func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

// Execute POSTs the execution request to the container's API endpoint and
// decodes the response. Transport failures and non-2xx statuses come back
// as an unsuccessful response rather than an error, so callers always reach
// their teardown path.
func (m *Manager) Execute(ctx context.Context, instance *types.ContainerInstance, manifest *types.Manifest, request *types.ContainerExecutionRequest) (*types.ContainerExecutionResponse, error) {
	endpoint := "/execute"
	if manifest.Container != nil && manifest.Container.APIEndpoint != "" {
		endpoint = manifest.Container.APIEndpoint
	}
	url := fmt.Sprintf("http://%s:%d%s", m.hostAddr, instance.HostPort, endpoint)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, errs.New(errs.CodeContainerExecutionFailed, "container",
			"failed to encode execution request", errs.WithCause(err))
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.CodeContainerExecutionFailed, "container",
			"failed to build execution request", errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &types.ContainerExecutionResponse{
			Success: false,
			Error:   fmt.Sprintf("container request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &types.ContainerExecutionResponse{
			Success: false,
			Error:   fmt.Sprintf("container returned status %d", resp.StatusCode),
		}, nil
	}

	var result types.ContainerExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &types.ContainerExecutionResponse{
			Success: false,
			Error:   fmt.Sprintf("container returned malformed response: %v", err),
		}, nil
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start).Seconds()
	}
	return &result, nil
}

// StopPluginContainer stops and removes an instance's container, releases
// its port and deletes the record. Stop-time failures still release the
// port and delete the record.
func (m *Manager) StopPluginContainer(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	instance, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(errs.CodeContainerNotFound, "container",
			"container instance not found: %s", instanceID)
	}
	instance.Status = types.ContainerStatusStopping
	m.mu.Unlock()

	var stopErr error
	if instance.EngineContainerID != "" {
		if err := m.engine.StopContainer(ctx, instance.EngineContainerID, stopGrace); err != nil {
			stopErr = err
			m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("container stop failed")
		}
		if err := m.engine.RemoveContainer(ctx, instance.EngineContainerID); err != nil {
			m.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("container remove failed")
		}
	}

	m.teardown(instance)

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventContainerStopped,
			Message: fmt.Sprintf("container for %s stopped", instance.PluginID),
			Metadata: map[string]string{
				"plugin_id":   instance.PluginID,
				"instance_id": instance.InstanceID,
			},
		})
	}

	if stopErr != nil {
		return errs.New(errs.CodeContainerStopFailed, "container",
			fmt.Sprintf("stop failed for instance %s", instanceID), errs.WithCause(stopErr))
	}
	return nil
}

// teardown releases the port and deletes the instance record; it never
// fails
func (m *Manager) teardown(instance *types.ContainerInstance) {
	m.ports.Release(instance.HostPort)
	m.mu.Lock()
	delete(m.instances, instance.InstanceID)
	instance.Status = types.ContainerStatusStopped
	metrics.ContainersActive.Set(float64(len(m.instances)))
	m.mu.Unlock()
}

// Instance returns a tracked instance by id
func (m *Manager) Instance(instanceID string) (*types.ContainerInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

// ActiveInstances returns a snapshot of tracked instances
func (m *Manager) ActiveInstances() []*types.ContainerInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ContainerInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// StartHealthMonitor begins the periodic health sweep over active
// instances. Each tick probes every running instance and marks failures
// unhealthy; unhealthy instances are quarantined, not restarted.
func (m *Manager) StartHealthMonitor() error {
	c := cron.New()
	_, err := c.AddFunc("@every 30s", m.healthSweep)
	if err != nil {
		return fmt.Errorf("failed to schedule health monitor: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

func (m *Manager) healthSweep() {
	instances := m.ActiveInstances()
	m.logger.Debug().Int("instances", len(instances)).Msg("health sweep")

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	for _, inst := range instances {
		if inst.Status != types.ContainerStatusRunning {
			continue
		}
		url := fmt.Sprintf("http://%s:%d/health", m.hostAddr, inst.HostPort)
		healthy := m.probe(ctx, url)

		m.mu.Lock()
		inst.LastHealthCheck = time.Now()
		if healthy {
			inst.HealthStatus = types.HealthStateHealthy
		} else {
			inst.HealthStatus = types.HealthStateUnhealthy
		}
		m.mu.Unlock()

		if !healthy {
			m.logger.Warn().
				Str("instance_id", inst.InstanceID).
				Str("plugin_id", inst.PluginID).
				Msg("container instance unhealthy")
			if m.broker != nil {
				m.broker.Publish(&events.Event{
					Type:     events.EventContainerUnhealthy,
					Message:  fmt.Sprintf("container for %s unhealthy", inst.PluginID),
					Metadata: map[string]string{"instance_id": inst.InstanceID},
				})
			}
		}
	}
}

// Cleanup stops all instances in parallel and cancels the health monitor.
// Failures during shutdown are logged but do not abort the sweep.
func (m *Manager) Cleanup(ctx context.Context) {
	if m.cron != nil {
		m.cron.Stop()
	}

	instances := m.ActiveInstances()
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopPluginContainer(ctx, id); err != nil {
				m.logger.Warn().Err(err).Str("instance_id", id).Msg("cleanup stop failed")
			}
		}(inst.InstanceID)
	}
	wg.Wait()
}

// ParseMemory converts a memory cap like "100m" or "1g" to bytes. Bare
// numbers are bytes; unparseable values mean no limit.
func ParseMemory(memory string) int64 {
	memory = strings.TrimSpace(strings.ToLower(memory))
	if memory == "" {
		return 0
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(memory, "g"):
		multiplier = 1024 * 1024 * 1024
		memory = strings.TrimSuffix(memory, "g")
	case strings.HasSuffix(memory, "m"):
		multiplier = 1024 * 1024
		memory = strings.TrimSuffix(memory, "m")
	case strings.HasSuffix(memory, "k"):
		multiplier = 1024
		memory = strings.TrimSuffix(memory, "k")
	}

	value, err := strconv.ParseFloat(memory, 64)
	if err != nil {
		return 0
	}
	return int64(value * float64(multiplier))
}

// cpuShares converts a CPU factor (cores) to engine CPU shares, where one
// core weighs 1024
func cpuShares(cpu float64) int64 {
	if cpu <= 0 {
		return 0
	}
	return int64(cpu * 1024)
}
