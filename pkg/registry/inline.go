package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capstack/capman/pkg/types"
)

// InlineRepository serves manifests from a local plugin directory. Each
// plugin lives at <root>/<verb>/manifest.json with its bundle files beside
// it. The directory is the source of truth; Store and Delete write through.
type InlineRepository struct {
	root string
}

// NewInlineRepository creates a repository over a local plugin root
func NewInlineRepository(root string) *InlineRepository {
	return &InlineRepository{root: root}
}

// Type identifies the backend
func (r *InlineRepository) Type() types.RepositoryType {
	return types.RepositoryTypeLocal
}

// Root returns the plugin root directory
func (r *InlineRepository) Root() string {
	return r.root
}

// List enumerates every manifest under the plugin root
func (r *InlineRepository) List() ([]*types.Manifest, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin root %s: %w", r.root, err)
	}

	var manifests []*types.Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := r.readManifest(entry.Name())
		if err != nil {
			// A malformed plugin directory must not poison the index
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Fetch returns the manifest for an exact (id, version)
func (r *InlineRepository) Fetch(id, version string) (*types.Manifest, error) {
	manifests, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.ID == id && (version == "" || m.Version == version) {
			return m, nil
		}
	}
	return nil, nil
}

// FetchAllVersions returns every version of a plugin id. Inline plugins
// carry a single version per directory.
func (r *InlineRepository) FetchAllVersions(id string) ([]*types.Manifest, error) {
	manifests, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*types.Manifest
	for _, m := range manifests {
		if m.ID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

// Store writes the manifest into <root>/<verb>/manifest.json
func (r *InlineRepository) Store(manifest *types.Manifest) error {
	dir := filepath.Join(r.root, manifest.Verb)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644)
}

// Delete removes the plugin directory of the matching manifest
func (r *InlineRepository) Delete(id, version string) error {
	manifests, err := r.List()
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if m.ID == id && (version == "" || m.Version == version) {
			return os.RemoveAll(filepath.Join(r.root, m.Verb))
		}
	}
	return fmt.Errorf("plugin not found: %s", id)
}

func (r *InlineRepository) readManifest(verbDir string) (*types.Manifest, error) {
	path := filepath.Join(r.root, verbDir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest at %s: %w", path, err)
	}
	if m.PackageSource == nil {
		m.PackageSource = &types.PackageSource{
			Type: types.PackageSourceInline,
			Path: verbDir,
		}
	}
	return &m, nil
}
