package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/types"
)

// executeContainer delegates to the container manager: build and start the
// container, POST the execution request, and stop it on every exit path.
func (e *Executor) executeContainer(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput {
	if e.containers == nil {
		return FailureOutputs(errs.New(errs.CodeContainerStartFailed, "executor",
			"container execution is not available", errs.WithTrace(traceID)))
	}

	instance, err := e.containers.StartPluginContainer(ctx, manifest, bundleRoot)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeContainerStartFailed, "executor",
			fmt.Sprintf("failed to start container for %s", manifest.ID),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}
	defer func() {
		// Stop must run whether the execute succeeded or not; use a
		// fresh context so a cancelled invocation still tears down
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopErr := e.containers.StopPluginContainer(stopCtx, instance.InstanceID); stopErr != nil {
			e.logger.Warn().Err(stopErr).
				Str("instance_id", instance.InstanceID).
				Msg("container stop after execution failed")
		}
	}()

	plain := make(map[string]any, len(inputs))
	for name, input := range inputs {
		plain[name] = input.Value
	}

	request := &types.ContainerExecutionRequest{
		Inputs: plain,
		Context: types.ContainerExecutionContext{
			TraceID:       traceID,
			PluginID:      manifest.ID,
			PluginVersion: manifest.Version,
		},
	}

	resp, err := e.containers.Execute(ctx, instance, manifest, request)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeContainerExecutionFailed, "executor",
			fmt.Sprintf("container execution failed for %s", manifest.ID),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}
	if !resp.Success {
		return FailureOutputs(errs.New(errs.CodeContainerExecutionFailed, "executor",
			fmt.Sprintf("container for %s reported failure: %s", manifest.ID, resp.Error),
			errs.WithTrace(traceID)))
	}

	if len(resp.Outputs) == 0 {
		return []types.PluginOutput{{
			Success:           true,
			Name:              successName(manifest),
			ResultType:        types.ValueTypeObject,
			Result:            map[string]any{},
			ResultDescription: fmt.Sprintf("result of %s", manifest.Verb),
		}}
	}

	outputs := make([]types.PluginOutput, 0, len(resp.Outputs)+1)
	for name, value := range resp.Outputs {
		outputs = append(outputs, types.PluginOutput{
			Success:           true,
			Name:              name,
			ResultType:        inferResultType(value),
			Result:            value,
			ResultDescription: fmt.Sprintf("output %s of %s", name, manifest.Verb),
		})
	}
	outputs = append(outputs, types.PluginOutput{
		Success:           true,
		Name:              "executionTime",
		ResultType:        types.ValueTypeNumber,
		Result:            resp.ExecutionTime,
		ResultDescription: "container execution time in seconds",
	})
	return outputs
}
