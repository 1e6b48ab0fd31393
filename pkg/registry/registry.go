package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/events"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

// SignatureVerifier checks a manifest's trust signature
type SignatureVerifier interface {
	Verify(manifest *types.Manifest) error
}

// PermissionPolicy validates a manifest's declared permissions
type PermissionPolicy interface {
	// Validate returns an error when any declared permission is outside
	// the allow-list
	Validate(permissions []string) error

	// Dangerous returns the subset of permissions that are allowed but
	// warrant a warning
	Dangerous(permissions []string) []string
}

// Registry resolves verbs to plugin manifests and owns the in-memory
// indices: id -> version -> manifest and verb -> set of ids. Index updates
// are serialized by a registry-wide lock; reads take the read half.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]map[string]*types.Manifest
	byVerb map[string]map[string]bool

	repos        []Repository
	verifier     SignatureVerifier
	permissions  PermissionPolicy
	materializer *Materializer
	broker       *events.Broker
	logger       zerolog.Logger
}

// New creates a registry over the given repositories and builds the indices
func New(repos []Repository, verifier SignatureVerifier, permissions PermissionPolicy, materializer *Materializer, broker *events.Broker) (*Registry, error) {
	r := &Registry{
		byID:         make(map[string]map[string]*types.Manifest),
		byVerb:       make(map[string]map[string]bool),
		repos:        repos,
		verifier:     verifier,
		permissions:  permissions,
		materializer: materializer,
		broker:       broker,
		logger:       log.WithComponent("registry"),
	}
	if err := r.Reindex(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reindex rebuilds the indices from every repository
func (r *Registry) Reindex() error {
	byID := make(map[string]map[string]*types.Manifest)
	byVerb := make(map[string]map[string]bool)
	counts := make(map[types.RepositoryType]int)

	for _, repo := range r.repos {
		manifests, err := repo.List()
		if err != nil {
			return fmt.Errorf("failed to list %s repository: %w", repo.Type(), err)
		}
		for _, m := range manifests {
			if m.RepositoryType == "" {
				m.RepositoryType = repo.Type()
			}
			indexManifest(byID, byVerb, m)
			counts[repo.Type()]++
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byVerb = byVerb
	r.mu.Unlock()

	for repoType, n := range counts {
		metrics.PluginsIndexed.WithLabelValues(string(repoType)).Set(float64(n))
	}
	r.logger.Info().Int("plugins", len(byID)).Msg("registry index built")
	return nil
}

func indexManifest(byID map[string]map[string]*types.Manifest, byVerb map[string]map[string]bool, m *types.Manifest) {
	if byID[m.ID] == nil {
		byID[m.ID] = make(map[string]*types.Manifest)
	}
	byID[m.ID][m.Version] = m
	if byVerb[m.Verb] == nil {
		byVerb[m.Verb] = make(map[string]bool)
	}
	byVerb[m.Verb][m.ID] = true
}

// FetchOne returns the exact version when specified, else the highest
// semver for that id. A missing plugin returns nil.
func (r *Registry) FetchOne(id, version string) *types.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.byID[id]
	if !ok {
		return nil
	}
	if version != "" {
		return versions[version]
	}
	return highestVersion(versions)
}

// FetchOneByVerb returns a manifest for the verb: the highest semver across
// all ids mapped to it, newest inserted winning ties.
func (r *Registry) FetchOneByVerb(verb, version string) *types.Manifest {
	manifests := r.FetchAllVersionsByVerb(verb)
	if len(manifests) == 0 {
		return nil
	}
	if version == "" {
		return manifests[0]
	}
	for _, m := range manifests {
		if m.Version == version {
			return m
		}
	}
	return nil
}

// FetchAllVersionsOfPlugin returns every version of a plugin id, sorted
// newest-first by semver
func (r *Registry) FetchAllVersionsOfPlugin(id string) []*types.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.byID[id]
	if !ok {
		return nil
	}
	out := make([]*types.Manifest, 0, len(versions))
	for _, m := range versions {
		out = append(out, m)
	}
	sortNewestFirst(out)
	return out
}

// FetchAllVersionsByVerb resolves the verb to its plugin ids and returns
// all their versions, sorted newest-first by semver
func (r *Registry) FetchAllVersionsByVerb(verb string) []*types.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.byVerb[verb]
	if !ok {
		return nil
	}
	var out []*types.Manifest
	for id := range ids {
		for _, m := range r.byID[id] {
			out = append(out, m)
		}
	}
	sortNewestFirst(out)
	return out
}

// ListLocators returns one locator per indexed manifest, optionally
// filtered by repository type
func (r *Registry) ListLocators(repoFilter types.RepositoryType) []types.PluginLocator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var locators []types.PluginLocator
	for _, versions := range r.byID {
		for _, m := range versions {
			if repoFilter != "" && m.RepositoryType != repoFilter {
				continue
			}
			locators = append(locators, types.PluginLocator{
				ID:             m.ID,
				Verb:           m.Verb,
				Version:        m.Version,
				RepositoryType: m.RepositoryType,
			})
		}
	}
	sort.Slice(locators, func(i, j int) bool {
		if locators[i].ID != locators[j].ID {
			return locators[i].ID < locators[j].ID
		}
		return CompareVersions(locators[i].Version, locators[j].Version) > 0
	})
	return locators
}

// Store validates, verifies and persists a manifest, then updates the
// indices. Returns whether an existing (id, version) was replaced.
func (r *Registry) Store(manifest *types.Manifest) (isUpdate bool, err error) {
	if err := validateManifest(manifest); err != nil {
		return false, err
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(manifest); err != nil {
			return false, errs.New(errs.CodeSignatureVerificationFailed, "registry",
				fmt.Sprintf("signature verification failed for %s", manifest.ID),
				errs.WithCause(err))
		}
	}

	if r.permissions != nil {
		if err := r.permissions.Validate(manifest.Security.Permissions); err != nil {
			return false, errs.New(errs.CodePermissionValidationFailed, "registry",
				fmt.Sprintf("permission validation failed for %s", manifest.ID),
				errs.WithCause(err))
		}
		for _, perm := range r.permissions.Dangerous(manifest.Security.Permissions) {
			r.logger.Warn().
				Str("plugin_id", manifest.ID).
				Str("permission", perm).
				Msg("plugin declares dangerous permission")
		}
	}

	repo := r.writableRepo()
	if repo == nil {
		return false, errs.New(errs.CodeStoreFailed, "registry", "no writable repository configured")
	}

	existing, err := repo.Fetch(manifest.ID, manifest.Version)
	if err != nil {
		return false, errs.New(errs.CodeStoreFailed, "registry", "failed to check existing manifest", errs.WithCause(err))
	}
	isUpdate = existing != nil

	if manifest.RepositoryType == "" {
		manifest.RepositoryType = repo.Type()
	}
	if err := repo.Store(manifest); err != nil {
		return false, errs.New(errs.CodeStoreFailed, "registry",
			fmt.Sprintf("failed to store %s@%s", manifest.ID, manifest.Version),
			errs.WithCause(err))
	}

	r.mu.Lock()
	indexManifest(r.byID, r.byVerb, manifest)
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventPluginStored,
			Message: fmt.Sprintf("plugin %s@%s stored", manifest.ID, manifest.Version),
			Metadata: map[string]string{
				"plugin_id": manifest.ID,
				"verb":      manifest.Verb,
				"version":   manifest.Version,
			},
		})
	}
	return isUpdate, nil
}

// Delete removes a plugin version (or every version) from the backing
// repository and the indices
func (r *Registry) Delete(id, version string) error {
	r.mu.Lock()
	versions, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return errs.Newf(errs.CodePluginNotFound, "registry", "plugin not found: %s", id)
	}
	var verb string
	for _, m := range versions {
		verb = m.Verb
		break
	}
	if version != "" {
		delete(versions, version)
	}
	if version == "" || len(versions) == 0 {
		delete(r.byID, id)
		if ids, ok := r.byVerb[verb]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.byVerb, verb)
			}
		}
	}
	r.mu.Unlock()

	var lastErr error
	for _, repo := range r.repos {
		if err := repo.Delete(id, version); err != nil {
			lastErr = err
		} else {
			lastErr = nil
			break
		}
	}
	if lastErr != nil {
		return errs.Newf(errs.CodeStoreFailed, "registry", "failed to delete %s: %v", id, lastErr)
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:     events.EventPluginDeleted,
			Message:  fmt.Sprintf("plugin %s deleted", id),
			Metadata: map[string]string{"plugin_id": id, "version": version},
		})
	}
	return nil
}

// PreparePluginForExecution materializes the plugin's bundle on disk and
// returns its root directory
func (r *Registry) PreparePluginForExecution(manifest *types.Manifest) (string, error) {
	return r.materializer.Prepare(manifest)
}

// CheckPluginCompatibility compares a manifest's host requirements to the
// running host. Failing the app-name match or the minimum version fails the
// check.
func CheckPluginCompatibility(manifest *types.Manifest, host types.HostCapabilities) error {
	compat := manifest.HostCompat
	if compat == nil {
		return nil
	}
	if compat.HostAppName != "" && compat.HostAppName != host.HostAppName {
		return errs.Newf(errs.CodePluginIncompatible, "registry",
			"plugin %s targets host application %q, this host is %q",
			manifest.ID, compat.HostAppName, host.HostAppName)
	}
	if compat.MinHostVersion != "" {
		min, err := semver.NewVersion(compat.MinHostVersion)
		if err != nil {
			return errs.Newf(errs.CodePluginIncompatible, "registry",
				"plugin %s declares invalid minimum host version %q", manifest.ID, compat.MinHostVersion)
		}
		current, err := semver.NewVersion(host.HostVersion)
		if err != nil {
			return errs.Newf(errs.CodePluginIncompatible, "registry",
				"host version %q is not valid semver", host.HostVersion)
		}
		if current.LessThan(min) {
			return errs.Newf(errs.CodePluginIncompatible, "registry",
				"plugin %s requires host version >= %s, host is %s",
				manifest.ID, compat.MinHostVersion, host.HostVersion)
		}
	}
	return nil
}

func (r *Registry) writableRepo() Repository {
	// First repository is the write target by convention
	if len(r.repos) == 0 {
		return nil
	}
	return r.repos[0]
}

func validateManifest(m *types.Manifest) error {
	if m == nil {
		return errs.New(errs.CodeManifestInvalid, "registry", "manifest is nil")
	}
	if m.ID == "" || m.Verb == "" || m.Version == "" || m.Language == "" {
		return errs.New(errs.CodeManifestInvalid, "registry",
			"manifest requires id, verb, version and language")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return errs.Newf(errs.CodeManifestInvalid, "registry",
			"version %q is not valid semver", m.Version)
	}
	switch m.Language {
	case types.LanguageSandbox, types.LanguageSubprocess, types.LanguageContainer,
		types.LanguageOpenAPI, types.LanguageMCP, types.LanguageInternal:
	default:
		return errs.Newf(errs.CodeUnsupportedLanguage, "registry",
			"unsupported language %q", m.Language)
	}
	if !m.Remote() && m.Language != types.LanguageContainer {
		if m.EntryPoint == nil || m.EntryPoint.Main == "" {
			return errs.Newf(errs.CodeManifestInvalid, "registry",
				"language %s requires an entry point", m.Language)
		}
	}
	return nil
}

// CompareVersions orders two semver strings: negative when a < b, zero when
// equal, positive when a > b. Unparseable versions sort lowest.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func highestVersion(versions map[string]*types.Manifest) *types.Manifest {
	var best *types.Manifest
	for _, m := range versions {
		if best == nil || CompareVersions(m.Version, best.Version) > 0 {
			best = m
		}
	}
	return best
}

func sortNewestFirst(manifests []*types.Manifest) {
	sort.SliceStable(manifests, func(i, j int) bool {
		c := CompareVersions(manifests[i].Version, manifests[j].Version)
		if c != 0 {
			return c > 0
		}
		// Tie-break equal versions across ids by insertion recency
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
}
