package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/types"
)

func TestRestrictedSymbolsFiltersModules(t *testing.T) {
	symbols := restrictedSymbols([]string{"strings", "encoding/json"}, nil)

	assert.Contains(t, symbols, "strings/strings")
	assert.Contains(t, symbols, "encoding/json/json")
	assert.NotContains(t, symbols, "os/os")
	assert.NotContains(t, symbols, "net/http/http")
}

func TestRestrictedSymbolsFiltersAPIs(t *testing.T) {
	symbols := restrictedSymbols([]string{"strings"}, []string{"strings.ToUpper"})

	kept, ok := symbols["strings/strings"]
	require.True(t, ok)
	assert.Contains(t, kept, "ToUpper")
	assert.NotContains(t, kept, "ToLower")
	assert.NotContains(t, kept, "Replace")
}

func TestSandboxAllowedAPIsEnforced(t *testing.T) {
	s := NewSandboxRunner()
	script := `package main

import "strings"

func Run(inputs map[string]interface{}) (interface{}, error) {
	return strings.ToLower("LOUD"), nil
}
`
	limits := types.SandboxLimits{
		AllowedModules: []string{"strings"},
		AllowedAPIs:    []string{"strings.ToUpper"},
	}

	// ToLower is not in the API allow-list: the symbol does not exist
	// inside the interpreter and evaluation fails
	_, err := s.Run(context.Background(), script, nil, limits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluation failed")

	// The listed API works
	allowed := `package main

import "strings"

func Run(inputs map[string]interface{}) (interface{}, error) {
	return strings.ToUpper("quiet"), nil
}
`
	result, err := s.Run(context.Background(), allowed, nil, limits)
	require.NoError(t, err)
	assert.Equal(t, "QUIET", result)
}

func TestSandboxModuleOutsideAllowListUnresolvable(t *testing.T) {
	s := NewSandboxRunner()

	// With modules restricted to strings only, the import scan names the
	// offending package before anything evaluates
	script := `package main

import "time"

func Run(inputs map[string]interface{}) (interface{}, error) {
	return time.Now().String(), nil
}
`
	_, err := s.Run(context.Background(), script, nil, types.SandboxLimits{
		AllowedModules: []string{"strings"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time")
}

func TestSandboxTimeout(t *testing.T) {
	s := NewSandboxRunner()
	script := `package main

func Run(inputs map[string]interface{}) (interface{}, error) {
	for {
	}
}
`
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, script, nil, types.SandboxLimits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestMemoryWatchdogCancelsOnBudgetBreach(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	go memoryWatchdog(ctx, cancel, 1)

	// Allocate well past the 1MB budget and hold the reference so the
	// watchdog observes the growth
	hog := make([][]byte, 0, 64)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-ctx.Done():
			assert.True(t, errors.Is(context.Cause(ctx), errMemoryBudget))
			_ = hog
			return
		case <-deadline:
			t.Skip("heap growth not observed; watchdog is best-effort by design")
		default:
			hog = append(hog, make([]byte, 1<<20))
			time.Sleep(10 * time.Millisecond)
		}
	}
}
