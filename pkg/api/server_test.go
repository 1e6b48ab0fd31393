package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/config"
	"github.com/capstack/capman/pkg/contextmgr"
	"github.com/capstack/capman/pkg/executor"
	"github.com/capstack/capman/pkg/manager"
	"github.com/capstack/capman/pkg/registry"
	"github.com/capstack/capman/pkg/tracker"
	"github.com/capstack/capman/pkg/types"
	"github.com/capstack/capman/pkg/workflow"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()

	repo, err := registry.NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mat := registry.NewMaterializer(t.TempDir(), t.TempDir(), 10*time.Minute)
	reg, err := registry.New([]registry.Repository{repo}, nil, nil, mat, nil)
	require.NoError(t, err)

	cfg := &config.Config{HostVersion: "1.5.0", HostAppName: "capman", ScriptTimeout: 10 * time.Second}
	exec := executor.New(cfg, nil, nil, nil, nil)
	unknown := workflow.New(reg, exec, nil, nil)

	mgr := manager.New(cfg, reg, exec, unknown, tracker.New(), contextmgr.New(nil), nil)
	srv := NewServer(mgr, func() Readiness {
		return Readiness{Registry: true, ContainerEngine: true}
	})
	return srv, reg
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestExecuteActionInternalVerbEndToEnd(t *testing.T) {
	srv, reg := newTestServer(t)

	_, err := reg.Store(&types.Manifest{
		ID: "plugin-CHAT", Verb: "CHAT", Version: "1.0.0", Language: types.LanguageInternal,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodPost, "/executeAction", types.Step{ActionVerb: "CHAT"})
	require.Equal(t, http.StatusOK, rec.Code)

	var outputs []types.PluginOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outputs))
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Success)
	assert.Equal(t, "internal_verb_detected", outputs[0].Name)
	assert.Equal(t, "INTERNAL_VERB", outputs[0].Result)
}

func TestExecuteActionMissingVerb(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/executeAction", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteActionPinnedMissingIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/executeAction", types.Step{
		ActionVerb:    "X",
		PluginDetails: &types.PluginDetails{PluginID: "plugin-X", Version: "1.0.0"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The body still carries the structured failure outputs
	var outputs []types.PluginOutput
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outputs))
	require.Len(t, outputs, 1)
	assert.False(t, outputs[0].Success)
}

func TestStorePluginAndFetch(t *testing.T) {
	srv, _ := newTestServer(t)

	manifest := types.Manifest{
		ID: "plugin-SEARCH", Verb: "SEARCH", Version: "1.0.0", Language: types.LanguageInternal,
		Description: "search the web",
	}

	rec := doJSON(t, srv, http.MethodPost, "/storePlugin", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)

	var stored struct {
		PluginID string `json:"pluginId"`
		Version  string `json:"version"`
		IsUpdate bool   `json:"isUpdate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, "plugin-SEARCH", stored.PluginID)
	assert.False(t, stored.IsUpdate)

	// Same version again is an update with 200
	rec = doJSON(t, srv, http.MethodPost, "/storePlugin", manifest)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/plugins/plugin-SEARCH", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched types.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, "SEARCH", fetched.Verb)
}

func TestStorePluginInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/storePlugin", types.Manifest{
		ID: "plugin-BAD", Verb: "BAD", Version: "not-semver", Language: types.LanguageInternal,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndDeletePlugins(t *testing.T) {
	srv, reg := newTestServer(t)

	_, err := reg.Store(&types.Manifest{ID: "plugin-A", Verb: "A", Version: "1.0.0", Language: types.LanguageInternal})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var locators []types.PluginLocator
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locators))
	require.Len(t, locators, 1)

	rec = doJSON(t, srv, http.MethodDelete, "/plugins/plugin-A", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/plugins/plugin-A", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/plugins/plugin-A", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyDegraded(t *testing.T) {
	srv, reg := newTestServer(t)
	_ = reg

	srv.readiness = func() Readiness { return Readiness{Registry: false} }
	rec := doJSON(t, srv, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}
