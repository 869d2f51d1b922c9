package studiosync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Applier performs one pending operation against the remote store.
type Applier interface {
	Apply(ctx context.Context, op PendingOperation) error
}

// Queue is the durable FIFO of writes the remote store has not acknowledged.
//
// Items leave the queue only through a successful Apply (durable ack) or a
// move to the terminal failure log after MaxRetries failed drain passes.
type Queue struct {
	store      *Store
	applier    Applier
	bus        *Bus
	maxRetries int
	log        zerolog.Logger

	mu    sync.Mutex
	items []PendingOperation

	draining atomic.Bool
	now      func() time.Time
}

// NewQueue creates a queue backed by store. Call Load before use.
func NewQueue(store *Store, applier Applier, bus *Bus, maxRetries int, log zerolog.Logger) *Queue {
	return &Queue{
		store:      store,
		applier:    applier,
		bus:        bus,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "queue").Logger(),
		now:        time.Now,
	}
}

// Load replaces the in-memory queue with the persisted snapshot.
func (q *Queue) Load() error {
	ops, err := q.store.LoadOperations()
	if err != nil {
		return fmt.Errorf("queue: load: %w", err)
	}
	q.mu.Lock()
	q.items = ops
	q.mu.Unlock()
	q.log.Debug().Int("pending", len(ops)).Msg("queue loaded")
	return nil
}

// Enqueue assigns an id and timestamp to op, persists it and publishes
// pending_saved. The operation is durable once Enqueue returns nil.
func (q *Queue) Enqueue(op PendingOperation) (PendingOperation, error) {
	if !op.Action.IsValid() {
		return op, fmt.Errorf("queue: invalid action %q", op.Action)
	}
	op.ID = uuid.NewString()
	op.Timestamp = q.now().UnixMilli()
	op.RetryCount = 0

	if err := q.store.InsertOperation(op); err != nil {
		return op, err
	}

	q.mu.Lock()
	q.items = append(q.items, op)
	q.mu.Unlock()

	q.log.Debug().Str("op", op.ID).Str("action", string(op.Action)).
		Str("entity", op.Entity).Str("id", op.EntityID).Msg("operation queued")
	q.bus.Publish(Event{Tag: EventPendingSaved, Entity: op.Entity, ID: op.EntityID})
	return op, nil
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending operations in FIFO order.
func (q *Queue) Snapshot() []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOperation, len(q.items))
	copy(out, q.items)
	return out
}

// HasPending reports whether any queued operation targets entity/id.
func (q *Queue) HasPending(entity, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.Entity == entity && op.EntityID == id {
			return true
		}
	}
	return false
}

// Draining reports whether a drain pass is in flight.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Failures returns the terminal failure log.
func (q *Queue) Failures() ([]TerminalFailure, error) {
	return q.store.TerminalFailures()
}

// Drain replays a snapshot of the queue through the applier.
//
// Only one pass runs at a time: an overlapping call returns immediately
// with Skipped set. Acknowledged operations are deleted from the store as
// soon as the remote call returns. Once an operation for an entity fails,
// later operations for the same entity are held back for the next pass
// without spending a retry.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	snapshot := q.Snapshot()
	if len(snapshot) == 0 {
		return DrainResult{}, nil
	}

	q.bus.Publish(Event{Tag: EventSyncStart, Detail: fmt.Sprintf("%d pending", len(snapshot))})

	var (
		result    DrainResult
		survivors []PendingOperation
		acked     = make(map[string]bool)
		blocked   = make(map[string]bool)
	)

	for i, op := range snapshot {
		if ctx.Err() != nil {
			result.Deferred += len(snapshot) - i
			break
		}

		key := op.Entity + "/" + op.EntityID
		if blocked[key] {
			result.Deferred++
			continue
		}

		result.Attempted++
		// Shutdown stops the pass between items; a call already sent runs
		// to completion or to the syncer timeout.
		err := q.applier.Apply(context.WithoutCancel(ctx), op)
		if err == nil {
			if derr := q.store.DeleteOperation(op.ID); derr != nil {
				// The remote write landed; replaying it later is an idempotent upsert.
				q.log.Warn().Err(derr).Str("op", op.ID).Msg("ack not persisted")
			}
			acked[op.ID] = true
			result.Succeeded++
			continue
		}

		result.Failed++
		blocked[key] = true
		op.RetryCount++
		q.log.Warn().Err(err).Str("op", op.ID).Int("retry", op.RetryCount).Msg("operation failed")

		if op.RetryCount < q.maxRetries {
			survivors = append(survivors, op)
			continue
		}
		result.Terminal = append(result.Terminal, TerminalFailure{
			Operation: op,
			Error:     err.Error(),
			FailedAt:  q.now().UTC(),
		})
	}

	persistErr := q.store.SaveDrainResult(survivors, result.Terminal)
	q.applyResult(acked, survivors, result.Terminal, persistErr == nil)

	for _, f := range result.Terminal {
		q.log.Error().Str("op", f.Operation.ID).Str("entity", f.Operation.Entity).
			Str("id", f.Operation.EntityID).Str("error", f.Error).Msg("operation moved to terminal failures")
		q.bus.Publish(Event{
			Tag:    EventTerminalFailure,
			Entity: f.Operation.Entity,
			ID:     f.Operation.EntityID,
			Detail: f.Error,
		})
	}

	if persistErr != nil {
		q.bus.Publish(Event{Tag: EventSyncError, Detail: persistErr.Error()})
		return result, fmt.Errorf("queue: persist drain result: %w", persistErr)
	}
	if result.Failed > 0 {
		q.bus.Publish(Event{Tag: EventSyncError, Detail: fmt.Sprintf("%d of %d operations failed", result.Failed, result.Attempted)})
	} else {
		if err := q.store.SetMetadata(metaLastSync, q.now().UTC().Format(time.RFC3339Nano)); err != nil {
			q.log.Warn().Err(err).Msg("record last sync")
		}
		q.bus.Publish(Event{Tag: EventSyncComplete, Detail: fmt.Sprintf("%d operations synced", result.Succeeded)})
	}
	return result, nil
}

// applyResult folds a finished pass into the in-memory queue. Operations
// enqueued while the pass ran are kept untouched.
func (q *Queue) applyResult(acked map[string]bool, survivors []PendingOperation, terminal []TerminalFailure, persisted bool) {
	retries := make(map[string]int, len(survivors))
	for _, op := range survivors {
		retries[op.ID] = op.RetryCount
	}
	gone := make(map[string]bool, len(terminal))
	if persisted {
		for _, f := range terminal {
			gone[f.Operation.ID] = true
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, op := range q.items {
		if acked[op.ID] || gone[op.ID] {
			continue
		}
		if n, ok := retries[op.ID]; ok && persisted {
			op.RetryCount = n
		}
		kept = append(kept, op)
	}
	q.items = kept
}
