package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/config"
	"github.com/capstack/capman/pkg/contextmgr"
	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/events"
	"github.com/capstack/capman/pkg/executor"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/registry"
	"github.com/capstack/capman/pkg/tracker"
	"github.com/capstack/capman/pkg/types"
	"github.com/capstack/capman/pkg/workflow"
)

// Executor runs one plugin invocation
type Executor interface {
	Execute(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput
}

// UnknownVerbHandler resolves verbs with no registered handler
type UnknownVerbHandler interface {
	HandleUnknownVerb(ctx context.Context, step *types.Step) []types.PluginOutput
}

// Manager orchestrates step execution: resolve the verb, prepare the
// bundle, execute, record usage, and release resources. It exclusively
// owns the active-operation table through the tracker.
type Manager struct {
	cfg      *config.Config
	registry *registry.Registry
	executor Executor
	unknown  UnknownVerbHandler
	tracker  *tracker.Tracker
	context  *contextmgr.Manager
	broker   *events.Broker
	host     types.HostCapabilities
	logger   zerolog.Logger
}

// New creates an orchestrator
func New(cfg *config.Config, reg *registry.Registry, exec Executor, unknown UnknownVerbHandler, tr *tracker.Tracker, ctxMgr *contextmgr.Manager, broker *events.Broker) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: reg,
		executor: exec,
		unknown:  unknown,
		tracker:  tr,
		context:  ctxMgr,
		broker:   broker,
		host: types.HostCapabilities{
			HostVersion: cfg.HostVersion,
			HostAppName: cfg.HostAppName,
		},
		logger: log.WithComponent("manager"),
	}
}

// ExecuteAction runs one step end to end. The returned error is non-nil
// only for failures the API boundary maps to a status (resolution,
// preparation); execution failures are carried inside the outputs.
func (m *Manager) ExecuteAction(ctx context.Context, step *types.Step) ([]types.PluginOutput, error) {
	traceID := step.TraceID
	operationID := m.tracker.BeginTransaction(traceID, step)
	logger := m.logger.With().Str("operation_id", operationID).Str("verb", step.ActionVerb).Logger()

	outputs, err := m.executeStep(ctx, operationID, step, logger)
	if err != nil {
		m.tracker.RollbackTransaction(operationID)
		metrics.ExecutionsTotal.WithLabelValues(step.ActionVerb, "error").Inc()
		return executor.FailureOutputs(toStructured(err, traceID)), err
	}

	m.tracker.CommitTransaction(operationID)

	outcome := "ok"
	if len(outputs) > 0 && !outputs[0].Success {
		outcome = "failed"
	}
	metrics.ExecutionsTotal.WithLabelValues(step.ActionVerb, outcome).Inc()
	return outputs, nil
}

func (m *Manager) executeStep(ctx context.Context, operationID string, step *types.Step, logger zerolog.Logger) ([]types.PluginOutput, error) {
	started := time.Now()

	manifest, err := m.resolve(step)
	if err != nil {
		return nil, err
	}

	// No handler: take the unknown-verb path
	if manifest == nil {
		logger.Info().Msg("no handler registered, invoking unknown-verb workflow")
		return m.unknown.HandleUnknownVerb(ctx, step), nil
	}

	logger.Debug().
		Str("plugin_id", manifest.ID).
		Str("version", manifest.Version).
		Str("language", string(manifest.Language)).
		Msg("handler resolved")

	bundleRoot, err := m.registry.PreparePluginForExecution(manifest)
	if err != nil {
		return nil, err
	}
	if bundleRoot != "" {
		if trackErr := m.tracker.TrackResource(operationID, "bundle:"+bundleRoot); trackErr != nil {
			logger.Warn().Err(trackErr).Msg("failed to track bundle resource")
		}
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:     events.EventExecutionStarted,
			Message:  fmt.Sprintf("executing %s via %s", step.ActionVerb, manifest.ID),
			Metadata: map[string]string{"verb": step.ActionVerb, "plugin_id": manifest.ID},
		})
	}

	outputs := m.executor.Execute(ctx, manifest, step.InputValues, bundleRoot, step.TraceID)

	success := len(outputs) > 0 && outputs[0].Success
	m.recordPluginUsage(manifest.ID, time.Since(started), success)

	if m.broker != nil {
		eventType := events.EventExecutionFinished
		if !success {
			eventType = events.EventExecutionFailed
		}
		m.broker.Publish(&events.Event{
			Type:     eventType,
			Message:  fmt.Sprintf("execution of %s finished", step.ActionVerb),
			Metadata: map[string]string{"verb": step.ActionVerb, "plugin_id": manifest.ID},
		})
	}

	return outputs, nil
}

// resolve picks the manifest for a step. Pinned plugin details demand the
// exact version; otherwise the newest compatible version of the verb wins.
// A verb with no handler at all resolves to nil so the unknown-verb path
// runs; a verb whose versions all fail compatibility is an error.
func (m *Manager) resolve(step *types.Step) (*types.Manifest, error) {
	if details := step.PluginDetails; details != nil && details.PluginID != "" {
		manifest := m.registry.FetchOne(details.PluginID, details.Version)
		if manifest == nil {
			return nil, errs.Newf(errs.CodePluginVersionNotFound, "manager",
				"plugin %s version %q is not registered", details.PluginID, details.Version)
		}
		return manifest, nil
	}

	candidates := m.registry.FetchAllVersionsByVerb(step.ActionVerb)
	if len(candidates) == 0 {
		return nil, nil
	}
	for _, candidate := range candidates {
		if err := registry.CheckPluginCompatibility(candidate, m.host); err == nil {
			return candidate, nil
		}
	}
	return nil, errs.Newf(errs.CodePluginIncompatible, "manager",
		"no version of %s is compatible with host %s %s",
		step.ActionVerb, m.host.HostAppName, m.host.HostVersion)
}

// recordPluginUsage pushes the invocation outcome into the context
// manager's statistics
func (m *Manager) recordPluginUsage(pluginID string, executionTime time.Duration, success bool) {
	if m.context != nil {
		m.context.RecordUsage(pluginID, executionTime, success)
	}
}

// AttachContextManager wires the context manager after construction. The
// context manager lists plugins through the manager, so the two are built
// in sequence.
func (m *Manager) AttachContextManager(cm *contextmgr.Manager) {
	m.context = cm
}

// GeneratePluginContext delegates to the context manager
func (m *Manager) GeneratePluginContext(goal string, constraints types.ContextConstraints) (string, error) {
	return m.context.GenerateContext(goal, constraints)
}

// Registry exposes the plugin registry for the API surface
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// ListPluginMetadata adapts the registry listing for the context manager
func (m *Manager) ListPluginMetadata() ([]types.PluginMetadata, error) {
	locators := m.registry.ListLocators("")
	seen := make(map[string]bool, len(locators))
	metadata := make([]types.PluginMetadata, 0, len(locators))
	for _, locator := range locators {
		if seen[locator.ID] {
			continue
		}
		seen[locator.ID] = true
		manifest := m.registry.FetchOne(locator.ID, "")
		if manifest == nil {
			continue
		}
		var required []string
		for _, def := range manifest.InputDefinitions {
			if def.Required {
				required = append(required, def.Name)
			}
		}
		meta := types.PluginMetadata{
			ID:             manifest.ID,
			Verb:           manifest.Verb,
			Description:    manifest.Description,
			Category:       manifest.Category,
			RequiredInputs: required,
		}
		if m.context != nil {
			if stats, ok := m.context.Stats(manifest.ID); ok {
				meta.Stats = stats
			}
		}
		metadata = append(metadata, meta)
	}
	return metadata, nil
}

// toStructured coerces any error into a StructuredError for the failure
// output contract
func toStructured(err error, traceID string) *errs.StructuredError {
	if se, ok := err.(*errs.StructuredError); ok {
		return se
	}
	return errs.New(errs.CodeInternal, "manager", err.Error(), errs.WithTrace(traceID))
}

// Ensure the manager satisfies the interfaces its collaborators consume
var (
	_ contextmgr.MetadataLister = (*Manager)(nil)
	_ workflow.ManifestResolver = (*registry.Registry)(nil)
)
