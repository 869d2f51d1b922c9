package studiosync

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Reconciler produces the merged view of an entity type from the remote
// store, the local cache and records staged in memory.
//
// Precedence per id: remote over local, staged only for ids neither store
// has. Locally tombstoned ids never reappear, whatever the remote returns.
type Reconciler struct {
	store  *Store
	syncer *Syncer
	queue  *Queue
	log    zerolog.Logger

	mu     sync.Mutex
	staged map[string]map[string]Record
	views  map[string]map[string]Record
}

// NewReconciler creates a reconciler.
func NewReconciler(store *Store, syncer *Syncer, queue *Queue, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		syncer: syncer,
		queue:  queue,
		log:    log.With().Str("component", "merge").Logger(),
		staged: make(map[string]map[string]Record),
		views:  make(map[string]map[string]Record),
	}
}

// Merge returns the live records of entity ordered by id. The remote store
// is consulted only when online is true.
//
// A failed remote fetch falls back to the local cache without an error.
// ErrNoData is returned only when neither source answered and no earlier
// merge exists.
func (r *Reconciler) Merge(ctx context.Context, entity string, online bool) ([]Record, error) {
	var (
		remote   []Record
		remoteOK bool
	)
	if online && r.syncer.HasRemote() {
		rows, err := r.syncer.Fetch(ctx, entity)
		if err != nil {
			r.log.Debug().Err(err).Str("entity", entity).Msg("remote fetch failed, using cache")
		} else {
			remote, remoteOK = rows, true
		}
	}

	local, localErr := r.store.List(entity)
	if localErr != nil {
		r.log.Warn().Err(localErr).Str("entity", entity).Msg("local cache read failed")
		if !remoteOK {
			prev, ok := r.previous(entity)
			if !ok {
				return nil, ErrNoData
			}
			return prev, nil
		}
	}

	merged := make(map[string]Record, len(local)+len(remote))
	tombstoned := make(map[string]bool)
	localByID := make(map[string]Record, len(local))
	for _, rec := range local {
		localByID[rec.ID] = rec
		if !rec.Alive() {
			tombstoned[rec.ID] = true
		}
		merged[rec.ID] = rec
	}

	if remoteOK {
		remoteIDs := make(map[string]bool, len(remote))
		for _, rec := range remote {
			remoteIDs[rec.ID] = true
			if prev, ok := localByID[rec.ID]; ok && prev.ReducedFidelity {
				rec.ReducedFidelity = true
			}
			merged[rec.ID] = rec
			r.writeThrough(rec)
		}

		for id, rec := range localByID {
			if remoteIDs[id] {
				continue
			}
			delete(merged, id)
			if rec.Alive() {
				r.pushLocalOnly(rec)
			}
		}
	}

	for id, rec := range r.stagedFor(entity) {
		if _, ok := merged[id]; !ok {
			merged[id] = rec
		}
	}

	out := make([]Record, 0, len(merged))
	for id, rec := range merged {
		if tombstoned[id] || !rec.Alive() {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)

	if len(out) == 0 {
		if prev, ok := r.previous(entity); ok && len(prev) > 0 {
			filtered := excludeTombstoned(prev, tombstoned)
			if len(filtered) > 0 {
				r.log.Debug().Str("entity", entity).Int("count", len(filtered)).Msg("empty merge, serving previous view")
				return filtered, nil
			}
		}
	}

	r.setView(entity, out)
	return out, nil
}

// writeThrough caches a remote row. Rows with a queued local change keep
// their optimistic local value until the queue drains.
func (r *Reconciler) writeThrough(rec Record) {
	if r.queue != nil && r.queue.HasPending(rec.Entity, rec.ID) {
		return
	}
	if err := r.store.Put(rec); err != nil {
		r.log.Warn().Err(err).Str("entity", rec.Entity).Str("id", rec.ID).Msg("cache remote row")
	}
}

// pushLocalOnly queues a live row the remote store does not have yet.
func (r *Reconciler) pushLocalOnly(rec Record) {
	if r.queue == nil || r.queue.HasPending(rec.Entity, rec.ID) {
		return
	}
	payload := make(map[string]any, len(rec.Payload))
	for k, v := range rec.Payload {
		payload[k] = v
	}
	if _, err := r.queue.Enqueue(PendingOperation{
		Action:   ActionCreate,
		Entity:   rec.Entity,
		EntityID: rec.ID,
		Payload:  payload,
	}); err != nil {
		r.log.Warn().Err(err).Str("entity", rec.Entity).Str("id", rec.ID).Msg("queue unsynced row")
		return
	}
	r.log.Debug().Str("entity", rec.Entity).Str("id", rec.ID).Msg("unsynced local row queued for push")
}

// Stage holds rec in memory until it reaches a store.
func (r *Reconciler) Stage(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.staged[rec.Entity]
	if !ok {
		m = make(map[string]Record)
		r.staged[rec.Entity] = m
	}
	m[rec.ID] = rec.clone()
}

// Unstage drops a staged record.
func (r *Reconciler) Unstage(entity, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.staged[entity], id)
}

// Has reports whether id is in the current in-memory view of entity.
func (r *Reconciler) Has(entity, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.views[entity][id]
	return ok
}

// Lookup returns id from the in-memory view or the staged records.
func (r *Reconciler) Lookup(entity, id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.staged[entity][id]; ok {
		return rec.clone(), true
	}
	rec, ok := r.views[entity][id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Upsert places a live record in the in-memory view.
func (r *Reconciler) Upsert(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[rec.Entity]
	if !ok {
		v = make(map[string]Record)
		r.views[rec.Entity] = v
	}
	v[rec.ID] = rec.clone()
}

// Remove drops id from the in-memory view.
func (r *Reconciler) Remove(entity, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views[entity], id)
	delete(r.staged[entity], id)
}

func (r *Reconciler) stagedFor(entity string) map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Record, len(r.staged[entity]))
	for id, rec := range r.staged[entity] {
		out[id] = rec.clone()
	}
	return out
}

func (r *Reconciler) previous(entity string) ([]Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[entity]
	if !ok {
		return nil, false
	}
	out := make([]Record, 0, len(v))
	for _, rec := range v {
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out, true
}

func (r *Reconciler) setView(entity string, recs []Record) {
	v := make(map[string]Record, len(recs))
	for _, rec := range recs {
		v[rec.ID] = rec
	}
	r.mu.Lock()
	r.views[entity] = v
	r.mu.Unlock()
}

func excludeTombstoned(recs []Record, tombstoned map[string]bool) []Record {
	out := recs[:0]
	for _, rec := range recs {
		if !tombstoned[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
