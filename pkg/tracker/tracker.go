package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

// staleThreshold is how old an operation or idle resource may grow before
// the sweeper drops it
const staleThreshold = 30 * time.Minute

// Tracker owns the active-operation table and the resource records. A
// resource joins an operation's set while in use and is released on commit
// or rollback; both are idempotent.
type Tracker struct {
	mu         sync.Mutex
	operations map[string]*types.ActiveOperation
	resources  map[string]*types.ResourceRecord

	cron   *cron.Cron
	logger zerolog.Logger
}

// New creates a tracker
func New() *Tracker {
	return &Tracker{
		operations: make(map[string]*types.ActiveOperation),
		resources:  make(map[string]*types.ResourceRecord),
		logger:     log.WithComponent("tracker"),
	}
}

// BeginTransaction registers a new active operation and returns its id
func (t *Tracker) BeginTransaction(traceID string, step *types.Step) string {
	operationID := uuid.New().String()

	t.mu.Lock()
	t.operations[operationID] = &types.ActiveOperation{
		OperationID: operationID,
		TraceID:     traceID,
		Verb:        step.ActionVerb,
		StartedAt:   time.Now(),
		ResourceIDs: make(map[string]struct{}),
	}
	metrics.ActiveOperations.Set(float64(len(t.operations)))
	t.mu.Unlock()

	return operationID
}

// TrackResource marks a resource as held by an operation
func (t *Tracker) TrackResource(operationID, resourceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[operationID]
	if !ok {
		return fmt.Errorf("unknown operation: %s", operationID)
	}
	op.ResourceIDs[resourceID] = struct{}{}

	record, ok := t.resources[resourceID]
	if !ok {
		record = &types.ResourceRecord{ResourceID: resourceID}
		t.resources[resourceID] = record
	}
	record.InUse = true
	record.LastAccessed = time.Now()
	return nil
}

// CommitTransaction releases every resource in the operation's set and
// deletes the operation. A second commit of the same id is a no-op.
func (t *Tracker) CommitTransaction(operationID string) {
	t.release(operationID)
}

// RollbackTransaction releases the same resources as commit; used on
// failure paths. Idempotent.
func (t *Tracker) RollbackTransaction(operationID string) {
	t.release(operationID)
}

func (t *Tracker) release(operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[operationID]
	if !ok {
		return
	}
	for resourceID := range op.ResourceIDs {
		if record, ok := t.resources[resourceID]; ok {
			record.InUse = false
			record.LastAccessed = time.Now()
		}
	}
	delete(t.operations, operationID)
	metrics.ActiveOperations.Set(float64(len(t.operations)))
}

// Operation returns a snapshot presence check for an operation id
func (t *Tracker) Operation(operationID string) (*types.ActiveOperation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.operations[operationID]
	return op, ok
}

// Resource returns a resource record by id
func (t *Tracker) Resource(resourceID string) (*types.ResourceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.resources[resourceID]
	return record, ok
}

// ActiveCount returns the number of in-flight operations
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.operations)
}

// Sweep drops operations older than the stale threshold and idle resource
// records not accessed within it
func (t *Tracker) Sweep() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, op := range t.operations {
		if now.Sub(op.StartedAt) > staleThreshold {
			t.logger.Warn().
				Str("operation_id", id).
				Str("verb", op.Verb).
				Time("started_at", op.StartedAt).
				Msg("sweeping stale operation")
			for resourceID := range op.ResourceIDs {
				if record, ok := t.resources[resourceID]; ok {
					record.InUse = false
				}
			}
			delete(t.operations, id)
		}
	}

	for id, record := range t.resources {
		if !record.InUse && now.Sub(record.LastAccessed) > staleThreshold {
			delete(t.resources, id)
		}
	}

	metrics.ActiveOperations.Set(float64(len(t.operations)))
	metrics.StaleSweeps.Inc()
}

// StartSweeper schedules the periodic stale sweep
func (t *Tracker) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc("@every 1m", t.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}
	c.Start()
	t.cron = c
	return nil
}

// Stop cancels the sweeper
func (t *Tracker) Stop() {
	if t.cron != nil {
		t.cron.Stop()
	}
}
