package studiosync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Remote abstracts the authoritative remote store. Rows are flat JSON
// objects keyed by column name. Implementations must be safe for
// concurrent use and must return *SyncError for every failure.
type Remote interface {
	// Fetch returns every row of table, tombstoned rows included.
	Fetch(ctx context.Context, table string) ([]map[string]any, error)

	// Upsert inserts or replaces the row identified by row["id"].
	Upsert(ctx context.Context, table string, row map[string]any) error

	// SoftDelete sets the tombstone field of the row identified by id.
	SoftDelete(ctx context.Context, table, id string, at time.Time) error

	// Ping checks that the remote store itself answers.
	Ping(ctx context.Context) error
}

// Syncer performs single units of work against the remote store. Every
// call carries a timeout, and every failure leaves as *SyncError.
type Syncer struct {
	remote       Remote
	store        *Store
	entities     *registry
	timeout      time.Duration
	fetchTimeout time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	fallback map[string]bool
}

// newSyncer creates a syncer. A nil remote yields a syncer whose calls all
// fail with ErrOffline.
func newSyncer(remote Remote, store *Store, entities *registry, timeout, fetchTimeout time.Duration, log zerolog.Logger) *Syncer {
	return &Syncer{
		remote:       remote,
		store:        store,
		entities:     entities,
		timeout:      timeout,
		fetchTimeout: fetchTimeout,
		log:          log.With().Str("component", "syncer").Logger(),
		fallback:     make(map[string]bool),
	}
}

// HasRemote reports whether a remote store is configured.
func (s *Syncer) HasRemote() bool { return s.remote != nil }

// Apply performs op remotely and, when the write needed the reduced
// schema, flags the cached row as reduced fidelity.
func (s *Syncer) Apply(ctx context.Context, op PendingOperation) error {
	reduced, err := s.apply(ctx, op)
	if err != nil {
		return err
	}
	if reduced {
		if merr := s.store.MarkReducedFidelity(op.Entity, op.EntityID); merr != nil {
			s.log.Warn().Err(merr).Str("entity", op.Entity).Str("id", op.EntityID).Msg("mark reduced fidelity")
		}
	}
	return nil
}

// apply performs op and reports whether the reduced schema was used.
func (s *Syncer) apply(ctx context.Context, op PendingOperation) (bool, error) {
	if s.remote == nil {
		return false, &SyncError{Operation: string(op.Action), Kind: KindTransient, Err: ErrOffline}
	}

	if op.Action == ActionDelete {
		at := time.UnixMilli(op.Timestamp).UTC()
		if ts, ok := op.Payload[FieldDeletedAt].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				at = parsed
			}
		}
		err := s.withTimeout(ctx, s.timeout, func(ctx context.Context) error {
			return s.remote.SoftDelete(ctx, op.Entity, op.EntityID, at)
		})
		return false, classify(string(op.Action), err)
	}

	row := operationRow(op)
	reduced := s.usesFallback(op.Entity)
	if reduced {
		row = s.reduce(op.Entity, row)
	}

	err := s.upsert(ctx, op.Entity, row)
	if err != nil && !reduced && IsSchemaMismatch(err) {
		s.log.Info().Str("entity", op.Entity).Err(err).Msg("schema mismatch, retrying with core fields")
		s.rememberFallback(op.Entity)
		reduced = true
		err = s.upsert(ctx, op.Entity, s.reduce(op.Entity, row))
	}
	if err != nil {
		return false, classify(string(op.Action), err)
	}
	return reduced, nil
}

func (s *Syncer) upsert(ctx context.Context, table string, row map[string]any) error {
	return s.withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		return s.remote.Upsert(ctx, table, row)
	})
}

// Fetch returns the remote rows of entity as records.
func (s *Syncer) Fetch(ctx context.Context, entity string) ([]Record, error) {
	if s.remote == nil {
		return nil, &SyncError{Operation: "fetch", Kind: KindTransient, Err: ErrOffline}
	}

	var rows []map[string]any
	err := s.withTimeout(ctx, s.fetchTimeout, func(ctx context.Context) error {
		var ferr error
		rows, ferr = s.remote.Fetch(ctx, entity)
		return ferr
	})
	if err != nil {
		return nil, classify("fetch", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, ok := recordFromRow(entity, row)
		if !ok {
			s.log.Warn().Str("entity", entity).Msg("skipping remote row without id")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping checks remote reachability.
func (s *Syncer) Ping(ctx context.Context) error {
	if s.remote == nil {
		return &SyncError{Operation: "ping", Kind: KindTransient, Err: ErrOffline}
	}
	return classify("ping", s.withTimeout(ctx, s.timeout, s.remote.Ping))
}

// withTimeout runs fn under a deadline. A call that outlives the deadline
// returns context.DeadlineExceeded even if fn ignores its context.
func (s *Syncer) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) usesFallback(entity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on, ok := s.fallback[entity]; ok {
		return on
	}
	v, err := s.store.GetMetadata(metaFallbackPrefix + entity)
	on := err == nil && v == "1"
	s.fallback[entity] = on
	return on
}

func (s *Syncer) rememberFallback(entity string) {
	s.mu.Lock()
	s.fallback[entity] = true
	s.mu.Unlock()
	if err := s.store.SetMetadata(metaFallbackPrefix+entity, "1"); err != nil {
		s.log.Warn().Err(err).Str("entity", entity).Msg("persist schema fallback")
	}
}

// ResetFallback forgets the learned reduced schema for entity, e.g. after
// the remote schema was migrated.
func (s *Syncer) ResetFallback(entity string) error {
	s.mu.Lock()
	delete(s.fallback, entity)
	s.mu.Unlock()
	return s.store.SetMetadata(metaFallbackPrefix+entity, "0")
}

func (s *Syncer) reduce(entity string, row map[string]any) map[string]any {
	t, _ := s.entities.lookup(entity)
	core := t.coreSet()
	out := make(map[string]any, len(core))
	for k, v := range row {
		if core[k] {
			out[k] = v
		}
	}
	return out
}

// classify converts any remote-boundary failure into *SyncError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Operation: op, Kind: KindTransient, Err: err}
}

// operationRow builds the remote row for an upserting operation.
func operationRow(op PendingOperation) map[string]any {
	row := make(map[string]any, len(op.Payload)+3)
	for k, v := range op.Payload {
		row[k] = v
	}
	row[FieldID] = op.EntityID
	if _, ok := row[FieldUpdatedAt]; !ok {
		row[FieldUpdatedAt] = time.UnixMilli(op.Timestamp).UTC().Format(time.RFC3339Nano)
	}
	if op.Action == ActionRestore {
		row[FieldDeletedAt] = nil
	}
	return row
}

// recordFromRow splits a remote row into a record. The system fields move
// out of the payload.
func recordFromRow(entity string, row map[string]any) (Record, bool) {
	id := idString(row[FieldID])
	if id == "" {
		return Record{}, false
	}
	rec := Record{Entity: entity, ID: id, Payload: make(map[string]any, len(row))}
	for k, v := range row {
		switch k {
		case FieldID:
		case FieldDeletedAt:
			if ts, ok := v.(string); ok && ts != "" {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					rec.DeletedAt = &t
				}
			}
		case FieldUpdatedAt:
			if ts, ok := v.(string); ok {
				rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
			}
		default:
			rec.Payload[k] = v
		}
	}
	return rec, true
}

// recordRow is the inverse of recordFromRow.
func recordRow(rec Record) map[string]any {
	row := make(map[string]any, len(rec.Payload)+3)
	for k, v := range rec.Payload {
		row[k] = v
	}
	row[FieldID] = rec.ID
	if !rec.UpdatedAt.IsZero() {
		row[FieldUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.DeletedAt != nil {
		row[FieldDeletedAt] = rec.DeletedAt.UTC().Format(time.RFC3339Nano)
	} else {
		row[FieldDeletedAt] = nil
	}
	return row
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// registry holds the entity types known to an engine.
type registry struct {
	mu    sync.RWMutex
	types map[string]EntityType
}

func newRegistry() *registry {
	return &registry{types: make(map[string]EntityType)}
}

func (r *registry) add(t EntityType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

func (r *registry) lookup(name string) (EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
