package registry

import (
	"github.com/capstack/capman/pkg/types"
)

// Repository is a manifest storage backend. The registry aggregates one or
// more repositories and owns the in-memory indices built over them.
type Repository interface {
	// Type identifies the backend
	Type() types.RepositoryType

	// List enumerates every manifest in the repository
	List() ([]*types.Manifest, error)

	// Fetch returns the manifest for an exact (id, version). A missing
	// manifest returns (nil, nil).
	Fetch(id, version string) (*types.Manifest, error)

	// FetchAllVersions returns every version of a plugin id, in no
	// particular order
	FetchAllVersions(id string) ([]*types.Manifest, error)

	// Store persists a manifest
	Store(manifest *types.Manifest) error

	// Delete removes one version of a plugin, or every version when
	// version is empty
	Delete(id, version string) error
}
