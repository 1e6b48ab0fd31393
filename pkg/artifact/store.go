package artifact

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/capstack/capman/pkg/errs"
)

const (
	payloadFile  = "artifact.dat"
	metadataFile = "metadata.json"
)

// Metadata describes one stored artifact
type Metadata struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	Size       int64     `json:"size"`
	MD5        string    `json:"md5"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Store is a content-addressed artifact store with two-level sharding:
// <base>/<id[0:2]>/<id[2:4]>/<id>/artifact.dat plus metadata.json.
type Store struct {
	base string
}

// NewStore creates an artifact store rooted at base
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{base: base}, nil
}

// Upload stores a buffer and returns its metadata
func (s *Store) Upload(data []byte, fileName, mimeType string) (*Metadata, error) {
	id := uuid.New().String()
	dir := s.shardDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.New(errs.CodeArtifactUploadFailed, "artifact",
			"failed to create artifact directory", errs.WithCause(err))
	}

	hash := md5.Sum(data)
	meta := &Metadata{
		ID:         id,
		FileName:   fileName,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		MD5:        hex.EncodeToString(hash[:]),
		UploadedAt: time.Now().UTC(),
	}

	if err := os.WriteFile(filepath.Join(dir, payloadFile), data, 0644); err != nil {
		return nil, errs.New(errs.CodeArtifactUploadFailed, "artifact",
			"failed to write artifact payload", errs.WithCause(err))
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errs.New(errs.CodeArtifactUploadFailed, "artifact",
			"failed to encode artifact metadata", errs.WithCause(err))
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), metaBytes, 0644); err != nil {
		return nil, errs.New(errs.CodeArtifactUploadFailed, "artifact",
			"failed to write artifact metadata", errs.WithCause(err))
	}

	return meta, nil
}

// GetStream opens an artifact for reading and returns its metadata.
// Metadata present without the payload is a critical inconsistency.
func (s *Store) GetStream(id string) (io.ReadCloser, *Metadata, error) {
	dir := s.shardDir(id)

	metaBytes, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errs.Newf(errs.CodeArtifactNotFound, "artifact",
				"artifact not found: %s", id)
		}
		return nil, nil, errs.New(errs.CodeArtifactMetadataInvalid, "artifact",
			"failed to read artifact metadata", errs.WithCause(err))
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, errs.New(errs.CodeArtifactMetadataInvalid, "artifact",
			"artifact metadata is corrupt", errs.WithCause(err))
	}

	payload, err := os.Open(filepath.Join(dir, payloadFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errs.Newf(errs.CodeArtifactMissingPayload, "artifact",
				"artifact %s has metadata but no payload", id)
		}
		return nil, nil, errs.New(errs.CodeArtifactNotFound, "artifact",
			"failed to open artifact payload", errs.WithCause(err))
	}

	return payload, &meta, nil
}

// Delete removes an artifact and its metadata
func (s *Store) Delete(id string) error {
	dir := s.shardDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errs.Newf(errs.CodeArtifactNotFound, "artifact", "artifact not found: %s", id)
	}
	return os.RemoveAll(dir)
}

// shardDir maps an id to its two-level sharded directory
func (s *Store) shardDir(id string) string {
	if len(id) < 4 {
		return filepath.Join(s.base, "00", "00", id)
	}
	return filepath.Join(s.base, id[0:2], id[2:4], id)
}
