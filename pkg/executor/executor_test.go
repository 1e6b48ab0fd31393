package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/config"
	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/security"
	"github.com/capstack/capman/pkg/types"
)

type fakeMinter struct{}

func (fakeMinter) Token(ctx context.Context, audience security.TokenAudience) (string, error) {
	return "token-" + string(audience), nil
}

type fakeCredentials struct {
	entries []config.CredentialEntry
}

func (f fakeCredentials) PluginCredentials(ctx context.Context, pluginID string) ([]config.CredentialEntry, error) {
	return f.entries, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PostOfficeURL:     "http://postoffice:5020",
		BrainURL:          "http://brain:5070",
		LibrarianURL:      "http://librarian:5040",
		MissionControlURL: "http://missioncontrol:5030",
		MissionID:         "mission-1",
		ScriptTimeout:     10 * time.Second,
		RemoteTimeout:     10 * time.Second,
	}
}

func newTestExecutor() *Executor {
	return New(testConfig(), fakeMinter{}, fakeCredentials{}, security.NewAllowListPolicy(), nil)
}

func TestInternalVerbSentinel(t *testing.T) {
	e := newTestExecutor()
	m := &types.Manifest{ID: "plugin-CHAT", Verb: "CHAT", Version: "1.0.0", Language: types.LanguageInternal}

	outputs := e.Execute(context.Background(), m, nil, "", "trace-1")
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success)
	assert.Equal(t, "internal_verb_detected", outputs[0].Name)
	assert.Equal(t, types.ValueTypeString, outputs[0].ResultType)
	assert.Equal(t, "INTERNAL_VERB", outputs[0].Result)
}

func TestValidationFailureFailsFast(t *testing.T) {
	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-X", Verb: "X", Version: "1.0.0", Language: types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.go"},
		InputDefinitions: []types.InputDefinition{
			{Name: "needed", Type: types.ValueTypeString, Required: true},
		},
	}

	outputs := e.Execute(context.Background(), m, map[string]types.InputValue{}, t.TempDir(), "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, types.ValueTypeError, outputs[0].ResultType)
	assert.Equal(t, string(errs.CodeInvalidInput), outputs[0].Name)
}

func TestDisallowedPermissionFails(t *testing.T) {
	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-X", Verb: "X", Version: "1.0.0", Language: types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.go"},
		Security:   types.SecurityConfig{Permissions: []string{"kernel.reboot"}},
	}

	outputs := e.Execute(context.Background(), m, nil, t.TempDir(), "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, string(errs.CodePermissionValidationFailed), outputs[0].Name)
}

func TestSandboxExecution(t *testing.T) {
	bundle := t.TempDir()
	script := `package main

import "strings"

func Run(inputs map[string]interface{}) (interface{}, error) {
	name, _ := inputs["name"].(string)
	return strings.ToUpper(name), nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.go"), []byte(script), 0644))

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-UPPER", Verb: "UPPER", Version: "1.0.0", Language: types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.go"},
		InputDefinitions: []types.InputDefinition{
			{Name: "name", Type: types.ValueTypeString, Required: true},
		},
		OutputDefinitions: []types.OutputDefinition{
			{Name: "shouted", Type: types.ValueTypeString},
		},
	}

	outputs := e.Execute(context.Background(), m, map[string]types.InputValue{
		"name": {InputName: "name", Value: "hello", ValueType: types.ValueTypeString},
	}, bundle, "trace-1")

	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success, "error: %s", outputs[0].Error)
	assert.Equal(t, "shouted", outputs[0].Name)
	assert.Equal(t, "HELLO", outputs[0].Result)
	assert.Equal(t, types.ValueTypeString, outputs[0].ResultType)
}

func TestSandboxRejectsForbiddenImport(t *testing.T) {
	bundle := t.TempDir()
	script := `package main

import "os/exec"

func Run(inputs map[string]interface{}) (interface{}, error) {
	out, err := exec.Command("id").Output()
	return string(out), err
}
`
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.go"), []byte(script), 0644))

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-EVIL", Verb: "EVIL", Version: "1.0.0", Language: types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.go"},
	}

	outputs := e.Execute(context.Background(), m, nil, bundle, "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Contains(t, outputs[0].Error, "sandbox execution failed")
}

func TestSubprocessExecution(t *testing.T) {
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.py"), []byte("# handler\n"), 0644))

	// A fake venv runtime that emits one valid output
	bin := filepath.Join(bundle, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	runtime := `#!/bin/sh
echo '[{"success":true,"name":"greeting","resultType":"string","result":"hi","resultDescription":"says hi"}]'
`
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte(runtime), 0755))

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-GREET", Verb: "GREET", Version: "1.0.0", Language: types.LanguageSubprocess,
		EntryPoint: &types.EntryPoint{Main: "main.py"},
	}

	outputs := e.Execute(context.Background(), m, nil, bundle, "trace-1")
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success, "error: %s", outputs[0].Error)
	assert.Equal(t, "greeting", outputs[0].Name)
	assert.Equal(t, "hi", outputs[0].Result)
}

func TestSubprocessMalformedOutput(t *testing.T) {
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.py"), []byte("# handler\n"), 0644))

	bin := filepath.Join(bundle, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	runtime := "#!/bin/sh\necho 'this is not json'\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte(runtime), 0755))

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-BAD", Verb: "BAD", Version: "1.0.0", Language: types.LanguageSubprocess,
		EntryPoint: &types.EntryPoint{Main: "main.py"},
	}

	outputs := e.Execute(context.Background(), m, nil, bundle, "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, string(errs.CodeOutputInvalid), outputs[0].Name)
}

func TestSubprocessNonZeroExit(t *testing.T) {
	bundle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.py"), []byte("# handler\n"), 0644))

	bin := filepath.Join(bundle, "venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	runtime := "#!/bin/sh\necho 'boom' >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte(runtime), 0755))

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-CRASH", Verb: "CRASH", Version: "1.0.0", Language: types.LanguageSubprocess,
		EntryPoint: &types.EntryPoint{Main: "main.py"},
	}

	outputs := e.Execute(context.Background(), m, nil, bundle, "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)

	// Stderr is captured into the structured error context
	se, ok := outputs[0].Result.(*errs.StructuredError)
	require.True(t, ok)
	assert.Contains(t, se.Context["stderr"], "boom")
}

func TestOpenAPIExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/widgets", r.URL.Path)
		assert.Equal(t, "Bearer remote-secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "red", body["color"])
		// Reserved token inputs must not leak to remote endpoints
		_, leaked := body["__auth_token"]
		assert.False(t, leaked)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"count": 3})
	}))
	defer srv.Close()

	t.Setenv("WIDGET_TOKEN", "remote-secret")

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-SEARCH", Verb: "SEARCH", Version: "1.0.0", Language: types.LanguageOpenAPI,
		API: &types.APIConfig{
			BaseURL: srv.URL,
			Method:  http.MethodPost,
			Path:    "/search/{kind}",
			Auth:    &types.APIAuth{Type: types.AuthTypeBearer, ValueFrom: "env:WIDGET_TOKEN"},
		},
		OutputDefinitions: []types.OutputDefinition{{Name: "matches", Type: types.ValueTypeObject}},
	}

	outputs := e.Execute(context.Background(), m, map[string]types.InputValue{
		"kind":  {InputName: "kind", Value: "widgets"},
		"color": {InputName: "color", Value: "red"},
	}, "", "trace-1")

	require.Len(t, outputs, 3)
	assert.True(t, outputs[0].Success)
	assert.Equal(t, "matches", outputs[0].Name)
	assert.Equal(t, map[string]any{"count": float64(3)}, outputs[0].Result)

	byName := map[string]types.PluginOutput{}
	for _, out := range outputs {
		byName[out.Name] = out
	}
	assert.Equal(t, http.StatusOK, byName["statusCode"].Result)
	assert.NotNil(t, byName["responseTime"].Result)
}

func TestOpenAPINon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-FLAKY", Verb: "FLAKY", Version: "1.0.0", Language: types.LanguageOpenAPI,
		API: &types.APIConfig{BaseURL: srv.URL, Path: "/x"},
	}

	outputs := e.Execute(context.Background(), m, nil, "", "trace-1")
	require.Len(t, outputs, 3)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, types.ValueTypeError, outputs[0].ResultType)
}

func TestMCPExecution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/act", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"summary": "done",
			"score":   0.9,
			"ignored": true,
		})
	}))
	defer srv.Close()

	t.Setenv("MCP_SERVICE_DOC_TOOLS_URL", srv.URL)

	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-SUMMARIZE", Verb: "SUMMARIZE", Version: "1.0.0", Language: types.LanguageMCP,
		MCP: &types.MCPConfig{ServiceName: "doc-tools", Path: "/act"},
		OutputDefinitions: []types.OutputDefinition{
			{Name: "summary", Type: types.ValueTypeString, Required: true},
			{Name: "score", Type: types.ValueTypeNumber},
		},
	}

	outputs := e.Execute(context.Background(), m, map[string]types.InputValue{
		"text": {InputName: "text", Value: "long document"},
	}, "", "trace-1")

	require.Len(t, outputs, 2)
	assert.Equal(t, "summary", outputs[0].Name)
	assert.Equal(t, "done", outputs[0].Result)
	assert.Equal(t, "score", outputs[1].Name)
}

func TestMCPServiceMissing(t *testing.T) {
	e := newTestExecutor()
	m := &types.Manifest{
		ID: "plugin-GONE", Verb: "GONE", Version: "1.0.0", Language: types.LanguageMCP,
		MCP: &types.MCPConfig{ServiceName: "never-configured-service"},
	}

	outputs := e.Execute(context.Background(), m, nil, "", "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, string(errs.CodeMCPServiceNotConfigured), outputs[0].Name)
}

// fakeRunner tracks container lifecycle ordering
type fakeRunner struct {
	started  int
	stopped  int
	response *types.ContainerExecutionResponse
	execErr  error
}

func (f *fakeRunner) StartPluginContainer(ctx context.Context, manifest *types.Manifest, bundleRoot string) (*types.ContainerInstance, error) {
	f.started++
	return &types.ContainerInstance{InstanceID: "i-1", PluginID: manifest.ID, HostPort: 8080}, nil
}

func (f *fakeRunner) Execute(ctx context.Context, instance *types.ContainerInstance, manifest *types.Manifest, request *types.ContainerExecutionRequest) (*types.ContainerExecutionResponse, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.response, nil
}

func (f *fakeRunner) StopPluginContainer(ctx context.Context, instanceID string) error {
	f.stopped++
	return nil
}

func TestContainerExecutionStopsOnSuccess(t *testing.T) {
	runner := &fakeRunner{response: &types.ContainerExecutionResponse{
		Success:       true,
		Outputs:       map[string]any{"data": "ok"},
		ExecutionTime: 0.5,
	}}
	e := New(testConfig(), fakeMinter{}, fakeCredentials{}, security.NewAllowListPolicy(), runner)

	m := &types.Manifest{
		ID: "plugin-WEB", Verb: "WEB", Version: "1.0.0", Language: types.LanguageContainer,
		Container: &types.ContainerConfig{Image: "capman/web:1"},
	}

	outputs := e.Execute(context.Background(), m, nil, t.TempDir(), "trace-1")
	require.NotEmpty(t, outputs)
	assert.True(t, outputs[0].Success)
	assert.Equal(t, 1, runner.started)
	assert.Equal(t, 1, runner.stopped, "container must stop after success")
}

func TestContainerExecutionStopsOnFailure(t *testing.T) {
	runner := &fakeRunner{execErr: assert.AnError}
	e := New(testConfig(), fakeMinter{}, fakeCredentials{}, security.NewAllowListPolicy(), runner)

	m := &types.Manifest{
		ID: "plugin-WEB", Verb: "WEB", Version: "1.0.0", Language: types.LanguageContainer,
		Container: &types.ContainerConfig{Image: "capman/web:1"},
	}

	outputs := e.Execute(context.Background(), m, nil, t.TempDir(), "trace-1")
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
	assert.Equal(t, 1, runner.stopped, "container must stop even on execute failure")
}

func TestMCPServiceEnvVar(t *testing.T) {
	assert.Equal(t, "MCP_SERVICE_DOC_TOOLS_URL", mcpServiceEnvVar("doc-tools"))
	assert.Equal(t, "MCP_SERVICE_SEARCH_URL", mcpServiceEnvVar("search"))
}
