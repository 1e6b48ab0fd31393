package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstack/capman/pkg/types"
)

func TestCommitReleasesResources(t *testing.T) {
	tr := New()

	opID := tr.BeginTransaction("trace-1", &types.Step{ActionVerb: "SEARCH"})
	require.NoError(t, tr.TrackResource(opID, "container:i-1"))
	require.NoError(t, tr.TrackResource(opID, "port:8080"))

	record, ok := tr.Resource("container:i-1")
	require.True(t, ok)
	assert.True(t, record.InUse)

	tr.CommitTransaction(opID)

	_, ok = tr.Operation(opID)
	assert.False(t, ok, "operation must be deleted after commit")

	for _, id := range []string{"container:i-1", "port:8080"} {
		record, ok := tr.Resource(id)
		require.True(t, ok)
		assert.False(t, record.InUse, "resource %s must be released", id)
	}
}

func TestRollbackReleasesSameResources(t *testing.T) {
	tr := New()

	opID := tr.BeginTransaction("trace-1", &types.Step{ActionVerb: "X"})
	require.NoError(t, tr.TrackResource(opID, "bundle:plugin-X"))

	tr.RollbackTransaction(opID)

	_, ok := tr.Operation(opID)
	assert.False(t, ok)
	record, ok := tr.Resource("bundle:plugin-X")
	require.True(t, ok)
	assert.False(t, record.InUse)
}

func TestCommitAndRollbackIdempotent(t *testing.T) {
	tr := New()

	opID := tr.BeginTransaction("trace-1", &types.Step{ActionVerb: "X"})
	tr.CommitTransaction(opID)

	// Second commit and rollback are no-ops
	tr.CommitTransaction(opID)
	tr.RollbackTransaction(opID)
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestTrackResourceUnknownOperation(t *testing.T) {
	tr := New()
	err := tr.TrackResource("nonexistent", "r-1")
	assert.Error(t, err)
}

func TestSweepDropsStaleEntries(t *testing.T) {
	tr := New()

	staleOp := tr.BeginTransaction("trace-old", &types.Step{ActionVerb: "OLD"})
	require.NoError(t, tr.TrackResource(staleOp, "r-old"))
	freshOp := tr.BeginTransaction("trace-new", &types.Step{ActionVerb: "NEW"})

	// Age the stale entries past the threshold
	tr.mu.Lock()
	tr.operations[staleOp].StartedAt = time.Now().Add(-time.Hour)
	tr.resources["r-old"].InUse = false
	tr.resources["r-old"].LastAccessed = time.Now().Add(-time.Hour)
	tr.mu.Unlock()

	tr.Sweep()

	_, ok := tr.Operation(staleOp)
	assert.False(t, ok, "stale operation must be swept")
	_, ok = tr.Operation(freshOp)
	assert.True(t, ok, "fresh operation must survive")
	_, ok = tr.Resource("r-old")
	assert.False(t, ok, "stale resource must be swept")
}

func TestSweepReleasesStaleOperationResources(t *testing.T) {
	tr := New()

	opID := tr.BeginTransaction("trace-1", &types.Step{ActionVerb: "X"})
	require.NoError(t, tr.TrackResource(opID, "r-held"))

	tr.mu.Lock()
	tr.operations[opID].StartedAt = time.Now().Add(-time.Hour)
	tr.mu.Unlock()

	tr.Sweep()

	record, ok := tr.Resource("r-held")
	require.True(t, ok, "recently accessed resource survives the sweep")
	assert.False(t, record.InUse, "sweeping the operation releases its resources")
}
