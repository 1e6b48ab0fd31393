package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/events"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

// accomplishVerb names the meta-handler invoked for unknown verbs
const accomplishVerb = "ACCOMPLISH"

// ManifestResolver is the narrow registry view the workflow needs
type ManifestResolver interface {
	FetchOneByVerb(verb, version string) *types.Manifest
	PreparePluginForExecution(manifest *types.Manifest) (string, error)
}

// StepExecutor runs a plugin invocation
type StepExecutor interface {
	Execute(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput
}

// EngineerClient asks the external engineer service to synthesize a new
// plugin for a verb
type EngineerClient interface {
	RequestPlugin(ctx context.Context, verb, goalContext string) error
}

// planCacheEntry caches the meta-handler's answer for one verb
type planCacheEntry struct {
	outputs    []types.PluginOutput
	insertedAt time.Time
}

// Workflow handles verbs with no registered handler: it invokes the
// ACCOMPLISH meta-handler and interprets its answer. Results are cached
// per verb, and concurrent requests for the same verb collapse into a
// single meta-handler call.
type Workflow struct {
	resolver ManifestResolver
	executor StepExecutor
	engineer EngineerClient
	broker   *events.Broker

	mu    sync.Mutex
	plans map[string]planCacheEntry

	group  singleflight.Group
	logger zerolog.Logger
}

// New creates an unknown-verb workflow
func New(resolver ManifestResolver, executor StepExecutor, engineer EngineerClient, broker *events.Broker) *Workflow {
	return &Workflow{
		resolver: resolver,
		executor: executor,
		engineer: engineer,
		broker:   broker,
		plans:    make(map[string]planCacheEntry),
		logger:   log.WithComponent("workflow"),
	}
}

// HandleUnknownVerb resolves a verb with no handler: cached plan, direct
// answer, or a freshly synthesized plugin.
func (w *Workflow) HandleUnknownVerb(ctx context.Context, step *types.Step) []types.PluginOutput {
	verb := step.ActionVerb

	if cached, ok := w.cachedPlan(verb); ok {
		metrics.PlanCacheHits.Inc()
		w.logger.Debug().Str("verb", verb).Msg("plan cache hit")
		return cached
	}

	// Collapse concurrent requests for the same verb; losers observe the
	// winner's result
	result, err, _ := w.group.Do(verb, func() (any, error) {
		if cached, ok := w.cachedPlan(verb); ok {
			metrics.PlanCacheHits.Inc()
			return cached, nil
		}
		return w.resolve(ctx, step), nil
	})
	if err != nil {
		// The resolve closure never errors; this guards the contract
		return failure(errs.New(errs.CodeInternal, "workflow",
			"unknown-verb resolution failed", errs.WithCause(err)))
	}
	return result.([]types.PluginOutput)
}

func (w *Workflow) resolve(ctx context.Context, step *types.Step) []types.PluginOutput {
	verb := step.ActionVerb

	manifest := w.resolver.FetchOneByVerb(accomplishVerb, "")
	if manifest == nil {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.New(errs.CodeAccomplishNotFound, "workflow",
			"the ACCOMPLISH meta-handler manifest is not registered",
			errs.WithTrace(step.TraceID),
			errs.WithSeverity(errs.SeverityCritical)))
	}

	bundleRoot, err := w.resolver.PreparePluginForExecution(manifest)
	if err != nil {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.New(errs.CodePreparationFailed, "workflow",
			"failed to prepare the ACCOMPLISH meta-handler",
			errs.WithTrace(step.TraceID), errs.WithCause(err)))
	}

	goal := goalPrompt(step)
	inputs := map[string]types.InputValue{
		"goal":        {InputName: "goal", Value: goal, ValueType: types.ValueTypeString},
		"verbToAvoid": {InputName: "verbToAvoid", Value: verb, ValueType: types.ValueTypeString},
	}

	outputs := w.executor.Execute(ctx, manifest, inputs, bundleRoot, step.TraceID)
	if len(outputs) == 0 || !outputs[0].Success {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		if len(outputs) > 0 {
			return outputs
		}
		return failure(errs.New(errs.CodeExecutionFailed, "workflow",
			"the ACCOMPLISH meta-handler produced no outputs", errs.WithTrace(step.TraceID)))
	}

	answer := outputs[0]
	switch answer.ResultType {
	case types.ValueTypePlan:
		w.cachePlan(verb, outputs)
		metrics.UnknownVerbsTotal.WithLabelValues("plan").Inc()
		if w.broker != nil {
			w.broker.Publish(&events.Event{
				Type:     events.EventPlanCached,
				Message:  fmt.Sprintf("plan cached for verb %s", verb),
				Metadata: map[string]string{"verb": verb},
			})
		}
		return outputs

	case types.ValueTypeString, types.ValueTypeNumber, types.ValueTypeBoolean:
		w.cachePlan(verb, outputs)
		metrics.UnknownVerbsTotal.WithLabelValues("answer").Inc()
		return outputs

	case types.ValueTypePlugin:
		return w.synthesize(ctx, step, answer)

	default:
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.Newf(errs.CodeInternal, "workflow",
			"the ACCOMPLISH meta-handler returned unexpected result type %q", answer.ResultType))
	}
}

// synthesize forwards a plugin request to the engineer service, then
// fetches the manifest it persisted
func (w *Workflow) synthesize(ctx context.Context, step *types.Step, answer types.PluginOutput) []types.PluginOutput {
	verb := step.ActionVerb

	if w.engineer == nil {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.New(errs.CodeEngineerRequestFailed, "workflow",
			"no engineer service is configured", errs.WithTrace(step.TraceID)))
	}

	if err := w.engineer.RequestPlugin(ctx, verb, fmt.Sprintf("%v", answer.Result)); err != nil {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.New(errs.CodeEngineerRequestFailed, "workflow",
			fmt.Sprintf("engineer request for verb %s failed", verb),
			errs.WithTrace(step.TraceID), errs.WithCause(err)))
	}

	manifest := w.resolver.FetchOneByVerb(verb, "")
	if manifest == nil {
		metrics.UnknownVerbsTotal.WithLabelValues("error").Inc()
		return failure(errs.Newf(errs.CodeEngineerRequestFailed, "workflow",
			"engineer reported success but no manifest for %s exists", verb))
	}

	metrics.UnknownVerbsTotal.WithLabelValues("plugin").Inc()
	if w.broker != nil {
		w.broker.Publish(&events.Event{
			Type:     events.EventPluginSynthesized,
			Message:  fmt.Sprintf("plugin synthesized for verb %s", verb),
			Metadata: map[string]string{"verb": verb, "plugin_id": manifest.ID},
		})
	}

	return []types.PluginOutput{{
		Success:           true,
		Name:              "plugin",
		ResultType:        types.ValueTypePlugin,
		Result:            manifest,
		ResultDescription: fmt.Sprintf("a new handler for %s was created", verb),
	}}
}

func goalPrompt(step *types.Step) string {
	context := ""
	for name, input := range step.InputValues {
		context += fmt.Sprintf("%s=%v; ", name, input.Value)
	}
	return fmt.Sprintf(
		"Handle the action verb %q with the context %q by returning a plan, a direct answer, or a plugin request. Do not use the verb %q itself.",
		step.ActionVerb, context, step.ActionVerb)
}

func (w *Workflow) cachedPlan(verb string) ([]types.PluginOutput, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.plans[verb]
	if !ok {
		return nil, false
	}
	return entry.outputs, true
}

func (w *Workflow) cachePlan(verb string, outputs []types.PluginOutput) {
	w.mu.Lock()
	w.plans[verb] = planCacheEntry{outputs: outputs, insertedAt: time.Now()}
	w.mu.Unlock()
}

func failure(se *errs.StructuredError) []types.PluginOutput {
	return []types.PluginOutput{{
		Success:           false,
		Name:              string(se.Code),
		ResultType:        types.ValueTypeError,
		Result:            se,
		ResultDescription: se.Message,
		Error:             se.Message,
	}}
}
