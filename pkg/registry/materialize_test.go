package registry

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/types"
)

func TestPrepareInline(t *testing.T) {
	pluginRoot := t.TempDir()
	bundle := filepath.Join(pluginRoot, "ECHO")
	require.NoError(t, os.MkdirAll(bundle, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "main.py"), []byte("print('ok')"), 0644))

	mat := NewMaterializer(pluginRoot, t.TempDir(), 10*time.Minute)

	m := &types.Manifest{
		ID:         "plugin-ECHO",
		Verb:       "ECHO",
		Version:    "1.0.0",
		Language:   types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.py"},
		PackageSource: &types.PackageSource{
			Type: types.PackageSourceInline,
			Path: "ECHO",
		},
	}

	root, err := mat.Prepare(m)
	require.NoError(t, err)
	assert.Equal(t, bundle, root)
}

func TestPrepareInlineMissingEntryPoint(t *testing.T) {
	pluginRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(pluginRoot, "ECHO"), 0755))

	mat := NewMaterializer(pluginRoot, t.TempDir(), 10*time.Minute)

	m := &types.Manifest{
		ID:         "plugin-ECHO",
		Verb:       "ECHO",
		Version:    "1.0.0",
		Language:   types.LanguageSandbox,
		EntryPoint: &types.EntryPoint{Main: "main.py"},
		PackageSource: &types.PackageSource{
			Type: types.PackageSourceInline,
			Path: "ECHO",
		},
	}

	_, err := mat.Prepare(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry point")
}

func TestPrepareRemoteNeedsNothing(t *testing.T) {
	mat := NewMaterializer(t.TempDir(), t.TempDir(), 10*time.Minute)
	root, err := mat.Prepare(&types.Manifest{
		ID: "p", Verb: "P", Version: "1.0.0", Language: types.LanguageOpenAPI,
	})
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "feature_x", sanitizeBranch("feature/x"))
	assert.Equal(t, "release-1.2", sanitizeBranch("release-1.2"))
	assert.Equal(t, "main", sanitizeBranch("main"))
}

func TestKeyedLockSerializesSameKey(t *testing.T) {
	kl := newKeyedLock()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("same-key")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "same key must never run concurrently")
}

func TestDependencyMarkerShortCircuits(t *testing.T) {
	bundle := t.TempDir()
	reqs := []byte("requests==2.31.0\n")
	require.NoError(t, os.WriteFile(filepath.Join(bundle, requirementsFile), reqs, 0644))

	// Pre-write a marker with the matching digest; EnsureInstalled must not
	// attempt any install.
	hash := md5.Sum(reqs)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, dependencyMarker),
		[]byte(hex.EncodeToString(hash[:])), 0644))

	d := NewDependencyInstaller()
	require.NoError(t, d.EnsureInstalled(bundle))
}

func TestDependencyInstallSkippedWithoutRequirements(t *testing.T) {
	d := NewDependencyInstaller()
	require.NoError(t, d.EnsureInstalled(t.TempDir()))
}

func TestRuntimePathFallsBackToSystem(t *testing.T) {
	assert.Equal(t, "python3", RuntimePath(t.TempDir()))

	bundle := t.TempDir()
	bin := filepath.Join(bundle, venvDir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"), 0755))
	assert.Equal(t, filepath.Join(bin, "python"), RuntimePath(bundle))
}
