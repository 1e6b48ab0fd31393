package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/capstack/capman/pkg/types"
)

var bucketManifests = []byte("manifests")

// BoltRepository implements Repository using BoltDB. Keys are "<id>@<version>".
type BoltRepository struct {
	db       *bolt.DB
	repoType types.RepositoryType
}

// NewBoltRepository opens (or creates) a BoltDB-backed manifest repository
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	dbPath := filepath.Join(dataDir, "plugins.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketManifests)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltRepository{db: db, repoType: types.RepositoryTypeLocal}, nil
}

// Type identifies the backend
func (r *BoltRepository) Type() types.RepositoryType {
	return r.repoType
}

// Close closes the database
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func manifestKey(id, version string) []byte {
	return []byte(id + "@" + version)
}

// List enumerates every manifest in the repository
func (r *BoltRepository) List() ([]*types.Manifest, error) {
	var manifests []*types.Manifest
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		return b.ForEach(func(k, v []byte) error {
			var m types.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("corrupt manifest at key %s: %w", k, err)
			}
			manifests = append(manifests, &m)
			return nil
		})
	})
	return manifests, err
}

// Fetch returns the manifest for an exact (id, version)
func (r *BoltRepository) Fetch(id, version string) (*types.Manifest, error) {
	var m *types.Manifest
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		data := b.Get(manifestKey(id, version))
		if data == nil {
			return nil
		}
		var parsed types.Manifest
		if err := json.Unmarshal(data, &parsed); err != nil {
			return err
		}
		m = &parsed
		return nil
	})
	return m, err
}

// FetchAllVersions returns every stored version of a plugin id
func (r *BoltRepository) FetchAllVersions(id string) ([]*types.Manifest, error) {
	prefix := []byte(id + "@")
	var manifests []*types.Manifest
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketManifests).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m types.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			manifests = append(manifests, &m)
		}
		return nil
	})
	return manifests, err
}

// Store persists a manifest
func (r *BoltRepository) Store(manifest *types.Manifest) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		return b.Put(manifestKey(manifest.ID, manifest.Version), data)
	})
}

// Delete removes one version, or every version when version is empty
func (r *BoltRepository) Delete(id, version string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		if version != "" {
			return b.Delete(manifestKey(id, version))
		}
		prefix := []byte(id + "@")
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
