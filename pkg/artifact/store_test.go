package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/errs"
)

func TestUploadAndGetStream(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	meta, err := store.Upload([]byte("hello artifact"), "note.txt", "text/plain")
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, int64(14), meta.Size)
	assert.NotEmpty(t, meta.MD5)

	reader, fetched, err := store.GetStream(meta.ID)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello artifact", string(data))
	assert.Equal(t, meta.MD5, fetched.MD5)
	assert.Equal(t, "note.txt", fetched.FileName)
}

func TestShardedLayout(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	require.NoError(t, err)

	meta, err := store.Upload([]byte("x"), "", "")
	require.NoError(t, err)

	expected := filepath.Join(base, meta.ID[0:2], meta.ID[2:4], meta.ID, "artifact.dat")
	_, err = os.Stat(expected)
	assert.NoError(t, err, "payload must live at the sharded path")
}

func TestGetStreamMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.GetStream("no-such-artifact-id")
	require.Error(t, err)
	var se *errs.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.CodeArtifactNotFound, se.Code)
}

func TestMetadataWithoutPayloadIsCritical(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	require.NoError(t, err)

	meta, err := store.Upload([]byte("doomed"), "", "")
	require.NoError(t, err)

	// Remove only the payload
	dir := filepath.Join(base, meta.ID[0:2], meta.ID[2:4], meta.ID)
	require.NoError(t, os.Remove(filepath.Join(dir, "artifact.dat")))

	_, _, err = store.GetStream(meta.ID)
	require.Error(t, err)
	var se *errs.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.CodeArtifactMissingPayload, se.Code)
	assert.Equal(t, errs.SeverityCritical, se.Severity)
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	meta, err := store.Upload([]byte("bye"), "", "")
	require.NoError(t, err)

	require.NoError(t, store.Delete(meta.ID))
	_, _, err = store.GetStream(meta.ID)
	assert.Error(t, err)

	err = store.Delete(meta.ID)
	assert.Error(t, err)
}
