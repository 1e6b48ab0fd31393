package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/types"
)

// defaultAllowedModules is the import allow-list applied when a manifest
// declares none. Filesystem, network and process packages are absent: a
// sandbox script gets no I/O unless its manifest grants it explicitly.
var defaultAllowedModules = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// errMemoryBudget cancels a run whose heap growth exceeded the declared cap
var errMemoryBudget = errors.New("memory budget exceeded")

// memoryProbeInterval is how often the watchdog samples heap growth
const memoryProbeInterval = 50 * time.Millisecond

// SandboxRunner evaluates plugin scripts in a restricted in-process
// interpreter. The script must define:
//
//	func Run(inputs map[string]interface{}) (interface{}, error)
//
// All four declared sandbox limits are enforced: timeout (context
// deadline, applied by the caller), allowed modules (import scan plus
// symbol exposure — only allowed packages are loaded into the
// interpreter, so a smuggled import fails to resolve), allowed APIs
// (symbol-level allow-list within the loaded packages), and memory cap
// (a heap-growth watchdog; see DESIGN.md for its best-effort nature).
type SandboxRunner struct{}

// NewSandboxRunner creates a sandbox runner
func NewSandboxRunner() *SandboxRunner {
	return &SandboxRunner{}
}

// Run evaluates the script with the given inputs under the sandbox limits
func (s *SandboxRunner) Run(ctx context.Context, code string, inputs map[string]any, limits types.SandboxLimits) (any, error) {
	allowed := limits.AllowedModules
	if len(allowed) == 0 {
		allowed = defaultAllowedModules
	}
	if err := validateImports(code, allowed); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	// Expose only the allowed packages (and, when declared, only the
	// allowed symbols within them). Everything else does not exist inside
	// the interpreter.
	if err := i.Use(restrictedSymbols(allowed, limits.AllowedAPIs)); err != nil {
		return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
	}

	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("script evaluation failed: %w", err)
	}

	runValue, err := i.Eval("main.Run")
	if err != nil {
		// Scripts without a package clause evaluate into the implicit
		// main package under a different path
		runValue, err = i.Eval("Run")
	}
	if err != nil {
		return nil, fmt.Errorf("script does not define Run: %w", err)
	}

	runFunc, ok := runValue.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Run has wrong signature, want func(map[string]interface{}) (interface{}, error)")
	}

	runCtx := ctx
	if limits.MemoryMB > 0 {
		watched, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		go memoryWatchdog(watched, cancel, limits.MemoryMB)
		runCtx = watched
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("script panicked: %v", r)
			}
		}()
		result, err := runFunc(inputs)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-runCtx.Done():
		if cause := context.Cause(runCtx); errors.Is(cause, errMemoryBudget) {
			return nil, fmt.Errorf("script exceeded its %dMB memory budget", limits.MemoryMB)
		}
		return nil, fmt.Errorf("script execution timed out: %w", runCtx.Err())
	}
}

// restrictedSymbols filters the interpreter's standard library down to the
// allowed packages. With a non-empty API allow-list, only the named
// "pkg.Symbol" entries of those packages are exposed.
func restrictedSymbols(allowedModules, allowedAPIs []string) interp.Exports {
	moduleSet := make(map[string]bool, len(allowedModules))
	for _, pkg := range allowedModules {
		moduleSet[pkg] = true
	}
	apiSet := make(map[string]bool, len(allowedAPIs))
	for _, api := range allowedAPIs {
		apiSet[api] = true
	}

	filtered := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		// Symbol map keys look like "encoding/json/json": import path
		// plus package name
		slash := strings.LastIndex(key, "/")
		if slash < 0 {
			continue
		}
		importPath, pkgName := key[:slash], key[slash+1:]
		if !moduleSet[importPath] {
			continue
		}
		if len(apiSet) == 0 {
			filtered[key] = symbols
			continue
		}
		kept := make(map[string]reflect.Value, len(symbols))
		for name, value := range symbols {
			if apiSet[pkgName+"."+name] {
				kept[name] = value
			}
		}
		if len(kept) > 0 {
			filtered[key] = kept
		}
	}
	return filtered
}

// memoryWatchdog samples heap growth against the declared cap and cancels
// the run when it is exceeded. Heap statistics are process-wide, so this
// is a backstop against runaway scripts, not precise accounting.
func memoryWatchdog(ctx context.Context, cancel context.CancelCauseFunc, capMB int) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)
	budget := uint64(capMB) * 1024 * 1024

	ticker := time.NewTicker(memoryProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc && now.HeapAlloc-base.HeapAlloc > budget {
				cancel(errMemoryBudget)
				return
			}
		}
	}
}

// validateImports rejects scripts importing outside the allow-list. The
// interpreter's symbol filtering is the hard boundary; this scan exists
// to fail early with a message naming the offending packages.
func validateImports(code string, allowed []string) error {
	allowedSet := make(map[string]bool, len(allowed))
	for _, pkg := range allowed {
		allowedSet[pkg] = true
	}

	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			if pkg := importPath(trimmed); pkg != "" && !allowedSet[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !allowedSet[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}

	if len(forbidden) > 0 {
		return fmt.Errorf("script imports packages outside the sandbox allow-list: %s",
			strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath extracts the quoted path from an import line, dropping any
// alias prefix
func importPath(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

// executeSandbox runs the entry-point source in the restricted evaluator
func (e *Executor) executeSandbox(ctx context.Context, manifest *types.Manifest, inputs map[string]types.InputValue, bundleRoot, traceID string) []types.PluginOutput {
	entry := filepath.Join(bundleRoot, manifest.EntryPoint.Main)
	code, err := os.ReadFile(entry)
	if err != nil {
		return FailureOutputs(errs.New(errs.CodeExecutionFailed, "executor",
			fmt.Sprintf("failed to read entry point %s", manifest.EntryPoint.Main),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}

	plain := make(map[string]any, len(inputs))
	for name, input := range inputs {
		plain[name] = input.Value
	}

	deadline := e.scriptDeadline(manifest)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := e.sandbox.Run(runCtx, string(code), plain, manifest.Security.Sandbox)
	if err != nil {
		code := errs.CodeExecutionFailed
		if runCtx.Err() != nil {
			code = errs.CodeExecutionTimeout
		}
		return FailureOutputs(errs.New(code, "executor",
			fmt.Sprintf("sandbox execution failed for %s", manifest.ID),
			errs.WithTrace(traceID), errs.WithCause(err)))
	}

	return []types.PluginOutput{{
		Success:           true,
		Name:              successName(manifest),
		ResultType:        inferResultType(result),
		Result:            result,
		ResultDescription: fmt.Sprintf("result of %s", manifest.Verb),
	}}
}
