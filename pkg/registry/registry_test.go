package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/types"
)

func testManifest(id, verb, version string) *types.Manifest {
	return &types.Manifest{
		ID:       id,
		Verb:     verb,
		Version:  version,
		Language: types.LanguageInternal,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *BoltRepository) {
	t.Helper()
	repo, err := NewBoltRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mat := NewMaterializer(t.TempDir(), t.TempDir(), 10*time.Minute)
	reg, err := New([]Repository{repo}, nil, nil, mat, nil)
	require.NoError(t, err)
	return reg, repo
}

func TestStoreFetchRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)

	m := testManifest("plugin-SEARCH", "SEARCH", "1.2.3")
	isUpdate, err := reg.Store(m)
	require.NoError(t, err)
	assert.False(t, isUpdate)

	fetched := reg.FetchOne("plugin-SEARCH", "1.2.3")
	require.NotNil(t, fetched)
	assert.Equal(t, "SEARCH", fetched.Verb)
	assert.Equal(t, "1.2.3", fetched.Version)

	// Storing the same (id, version) again is an update
	isUpdate, err = reg.Store(m)
	require.NoError(t, err)
	assert.True(t, isUpdate)
}

func TestFetchOnePicksHighestVersion(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, v := range []string{"1.0.0", "0.9.0", "1.10.0", "1.2.0"} {
		_, err := reg.Store(testManifest("plugin-X", "X", v))
		require.NoError(t, err)
	}

	m := reg.FetchOne("plugin-X", "")
	require.NotNil(t, m)
	assert.Equal(t, "1.10.0", m.Version)

	exact := reg.FetchOne("plugin-X", "0.9.0")
	require.NotNil(t, exact)
	assert.Equal(t, "0.9.0", exact.Version)

	assert.Nil(t, reg.FetchOne("plugin-X", "9.9.9"))
	assert.Nil(t, reg.FetchOne("missing", ""))
}

func TestFetchAllVersionsByVerbSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Store(testManifest("plugin-A", "TRANSFORM", "1.0.0"))
	require.NoError(t, err)
	_, err = reg.Store(testManifest("plugin-A", "TRANSFORM", "2.0.0"))
	require.NoError(t, err)
	_, err = reg.Store(testManifest("plugin-B", "TRANSFORM", "1.5.0"))
	require.NoError(t, err)

	all := reg.FetchAllVersionsByVerb("TRANSFORM")
	require.Len(t, all, 3)
	assert.Equal(t, "2.0.0", all[0].Version)
	assert.Equal(t, "1.5.0", all[1].Version)
	assert.Equal(t, "1.0.0", all[2].Version)

	assert.Empty(t, reg.FetchAllVersionsByVerb("NOPE"))
}

func TestDeleteRemovesFromIndices(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Store(testManifest("plugin-Y", "Y", "1.0.0"))
	require.NoError(t, err)
	_, err = reg.Store(testManifest("plugin-Y", "Y", "2.0.0"))
	require.NoError(t, err)

	require.NoError(t, reg.Delete("plugin-Y", "2.0.0"))
	m := reg.FetchOne("plugin-Y", "")
	require.NotNil(t, m)
	assert.Equal(t, "1.0.0", m.Version)

	require.NoError(t, reg.Delete("plugin-Y", ""))
	assert.Nil(t, reg.FetchOne("plugin-Y", ""))
	assert.Empty(t, reg.FetchAllVersionsByVerb("Y"))

	err = reg.Delete("plugin-Y", "")
	require.Error(t, err)
	var se *errs.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.CodePluginNotFound, se.Code)
}

func TestStoreValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	tests := []struct {
		name     string
		manifest *types.Manifest
	}{
		{"missing verb", &types.Manifest{ID: "a", Version: "1.0.0", Language: types.LanguageInternal}},
		{"bad semver", &types.Manifest{ID: "a", Verb: "A", Version: "one", Language: types.LanguageInternal}},
		{"bad language", &types.Manifest{ID: "a", Verb: "A", Version: "1.0.0", Language: "cobol"}},
		{"sandbox without entry point", &types.Manifest{ID: "a", Verb: "A", Version: "1.0.0", Language: types.LanguageSandbox}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Store(tt.manifest)
			require.Error(t, err)
		})
	}
}

func TestCompareVersions(t *testing.T) {
	versions := []string{"0.1.0", "1.0.0", "1.0.1", "1.2.0", "2.0.0", "10.0.0"}

	for i, a := range versions {
		for j, b := range versions {
			got := CompareVersions(a, b)
			switch {
			case i < j:
				assert.Negative(t, got, "%s vs %s", a, b)
			case i > j:
				assert.Positive(t, got, "%s vs %s", a, b)
			default:
				assert.Zero(t, got, "%s vs %s", a, b)
			}
			// Antisymmetry
			assert.Equal(t, got, -CompareVersions(b, a))
		}
	}
}

func TestCheckPluginCompatibility(t *testing.T) {
	host := types.HostCapabilities{HostVersion: "1.5.0", HostAppName: "capman"}

	tests := []struct {
		name    string
		compat  *types.HostCompatibility
		wantErr bool
	}{
		{"no constraints", nil, false},
		{"version satisfied", &types.HostCompatibility{MinHostVersion: "1.0.0"}, false},
		{"version too low", &types.HostCompatibility{MinHostVersion: "2.0.0"}, true},
		{"app name match", &types.HostCompatibility{HostAppName: "capman"}, false},
		{"app name mismatch", &types.HostCompatibility{HostAppName: "other"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest("p", "P", "1.0.0")
			m.HostCompat = tt.compat
			err := CheckPluginCompatibility(m, host)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVersionSelectionAgainstHost(t *testing.T) {
	// Two versions of verb X: the newest requires a newer host; resolution
	// by the orchestrator walks newest-first and picks the first compatible.
	reg, _ := newTestRegistry(t)

	v1 := testManifest("plugin-X", "X", "1.0.0")
	v1.HostCompat = &types.HostCompatibility{MinHostVersion: "2.0.0"}
	v09 := testManifest("plugin-X", "X", "0.9.0")
	v09.HostCompat = &types.HostCompatibility{MinHostVersion: "1.0.0"}

	_, err := reg.Store(v1)
	require.NoError(t, err)
	_, err = reg.Store(v09)
	require.NoError(t, err)

	host := types.HostCapabilities{HostVersion: "1.5.0", HostAppName: "capman"}
	var selected *types.Manifest
	for _, m := range reg.FetchAllVersionsByVerb("X") {
		if CheckPluginCompatibility(m, host) == nil {
			selected = m
			break
		}
	}
	require.NotNil(t, selected)
	assert.Equal(t, "0.9.0", selected.Version)
}

func TestListLocators(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Store(testManifest("plugin-A", "A", "1.0.0"))
	require.NoError(t, err)
	_, err = reg.Store(testManifest("plugin-B", "B", "1.0.0"))
	require.NoError(t, err)

	locators := reg.ListLocators("")
	require.Len(t, locators, 2)
	assert.Equal(t, "plugin-A", locators[0].ID)

	filtered := reg.ListLocators(types.RepositoryTypeGit)
	assert.Empty(t, filtered)
}
