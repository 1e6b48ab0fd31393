package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/registry"
	"github.com/capstack/capman/pkg/types"
)

// stderrCap bounds how much subprocess stderr is retained for diagnostics
const stderrCap = 64 * 1024

// boundedBuffer keeps at most cap bytes, discarding the excess. Subprocess
// stderr streams into one so a chatty handler cannot grow memory unbounded.
type boundedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.cap - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}

// executeSubprocess spawns the bundle's language runtime with the entry
// point, passes inputs on stdin as a JSON array of [name, inputValue]
// pairs, and expects a JSON array of plugin outputs on stdout.
func (e *Executor) executeSubprocess(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot string, env []string, traceID string) []types.PluginOutput {
	entry := filepath.Join(bundleRoot, manifest.EntryPoint.Main)
	if _, err := os.Stat(entry); err != nil {
		return FailureOutputs(errs.New(errs.CodeExecutionFailed, "executor",
			fmt.Sprintf("entry point %s not found", manifest.EntryPoint.Main),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}

	// Stdin contract: [name, inputValue] entries in no particular order
	pairs := make([][2]any, 0, len(inputs))
	for name, input := range inputs {
		pairs = append(pairs, [2]any{name, input})
	}
	stdin, err := json.Marshal(pairs)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeExecutionFailed, "executor",
			"failed to encode subprocess inputs", errs.WithTrace(traceID), errs.WithCause(err)))
	}

	deadline := e.scriptDeadline(manifest)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	runtimePath := registry.RuntimePath(bundleRoot)
	cmd := exec.CommandContext(runCtx, runtimePath, entry, bundleRoot)
	cmd.Dir = bundleRoot
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout bytes.Buffer
	stderr := &boundedBuffer{cap: stderrCap}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	// CommandContext kills on deadline; give the handler a termination
	// grace first
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		code := errs.CodeExecutionFailed
		if runCtx.Err() == context.DeadlineExceeded {
			code = errs.CodeExecutionTimeout
		}
		return FailureOutputs(errs.New(code, "executor",
			fmt.Sprintf("subprocess for %s failed", manifest.ID),
			errs.WithTrace(traceID),
			errs.WithCause(err),
			errs.WithContext(map[string]any{"stderr": stderr.String()})))
	}

	var outputs []types.PluginOutput
	if err := json.Unmarshal(stdout.Bytes(), &outputs); err != nil {
		return FailureOutputs(errs.New(errs.CodeOutputInvalid, "executor",
			fmt.Sprintf("subprocess for %s produced malformed output", manifest.ID),
			errs.WithTrace(traceID),
			errs.WithCause(err),
			errs.WithContext(map[string]any{"stderr": stderr.String()})))
	}
	if len(outputs) == 0 {
		return FailureOutputs(errs.Newf(errs.CodeOutputInvalid, "executor",
			"subprocess for %s produced no outputs", manifest.ID))
	}
	for i, out := range outputs {
		if out.Name == "" || out.ResultType == "" {
			return FailureOutputs(errs.Newf(errs.CodeOutputInvalid, "executor",
				"subprocess output %d for %s is missing name or resultType", i, manifest.ID))
		}
	}
	return outputs
}
