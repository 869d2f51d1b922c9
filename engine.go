package studiosync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hyperengineering/studiosync/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Engine is the offline-first sync engine for a set of entity types.
//
// Reads merge the remote store with the local cache. Writes go to the
// remote store when it is reachable and always to the local cache; a
// write the remote store did not acknowledge waits in the durable queue.
type Engine struct {
	config   Config
	store    *Store
	bus      *Bus
	queue    *Queue
	syncer   *Syncer
	merger   *Reconciler
	feed     *Feed
	monitor  *Monitor
	entities *registry
	log      zerolog.Logger
	logClose io.Closer
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	remote Remote
	source ChangeSource
	signal NetworkSignal
	logger *zerolog.Logger
	now    func() time.Time
}

// WithRemote sets the remote store client.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithChangeSource sets the realtime change source.
func WithChangeSource(s ChangeSource) Option {
	return func(o *options) { o.source = s }
}

// WithNetworkSignal sets the passive connectivity signal.
func WithNetworkSignal(s NetworkSignal) Option {
	return func(o *options) { o.signal = s }
}

// WithLogger replaces the logger built from the config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an engine. It opens the local cache and loads the pending
// queue; call Start to begin probing the remote store.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	var (
		log      zerolog.Logger
		logClose io.Closer = nopCloser{}
	)
	if o.logger != nil {
		log = *o.logger
	} else {
		var err error
		log, logClose, err = cfg.Logger().Make()
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	st, err := NewStore(cfg.LocalPath)
	if err != nil {
		_ = logClose.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	if cfg.IsOffline() {
		o.remote, o.source = nil, nil
	}

	e := &Engine{
		config:   cfg,
		store:    st,
		bus:      NewBus(log),
		entities: newRegistry(),
		log:      log,
		logClose: logClose,
		now:      o.now,
	}
	e.syncer = newSyncer(o.remote, st, e.entities, cfg.RemoteTimeout, cfg.FetchTimeout, log)
	e.queue = NewQueue(st, e.syncer, e.bus, cfg.MaxRetries, log)
	e.queue.now = o.now
	e.merger = NewReconciler(st, e.syncer, e.queue, log)
	e.feed = NewFeed(o.source, st, e.queue, e.merger, e.bus, e.entities.names, e.online, cfg.ReconnectDelay, log)
	e.monitor = NewMonitor(e.syncer, o.signal, e.queue, e.feed, e.bus, cfg.ProbeInterval, log)

	if err := e.queue.Load(); err != nil {
		_ = st.Close()
		_ = logClose.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	log.Debug().Str("path", cfg.LocalPath).Bool("offline", cfg.IsOffline()).
		Int("pending", e.queue.Len()).Msg("engine opened")
	return e, nil
}

// Register adds an entity type. Entities must be registered before use.
func (e *Engine) Register(t EntityType) error {
	if err := store.ValidateEntityName(t.Name); err != nil {
		return fmt.Errorf("engine: register %q: %w", t.Name, err)
	}
	e.entities.add(t)
	return nil
}

// Entities returns the registered entity names in order.
func (e *Engine) Entities() []string { return e.entities.names() }

// Start begins connectivity probing. With the remote store reachable this
// drains the queue and opens the realtime feed.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.monitor.Start(ctx)
	return nil
}

// List returns the merged live records of entity ordered by id.
func (e *Engine) List(ctx context.Context, entity string) ([]Record, error) {
	if err := e.check(entity); err != nil {
		return nil, err
	}
	return e.merger.Merge(ctx, entity, e.online())
}

// Get returns one live record of entity.
func (e *Engine) Get(ctx context.Context, entity, id string) (*Record, error) {
	if err := e.check(entity); err != nil {
		return nil, err
	}
	rec, err := e.current(entity, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create writes a new record and returns the optimistic local result. An
// id is assigned when payload carries none. Reusing the id of a
// soft-deleted record returns ErrDeleted.
func (e *Engine) Create(ctx context.Context, entity string, payload map[string]any) (*Record, error) {
	if err := e.check(entity); err != nil {
		return nil, err
	}

	id := idString(payload[FieldID])
	if id == "" {
		id = ulid.Make().String()
	} else if cached, err := e.store.Get(entity, id); err == nil && !cached.Alive() {
		return nil, fmt.Errorf("engine: create %s/%s: %w", entity, id, ErrDeleted)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("engine: %w", err)
	}
	rec := Record{
		Entity:    entity,
		ID:        id,
		Payload:   stripSystemFields(payload),
		UpdatedAt: e.now().UTC(),
	}

	e.merger.Stage(rec)
	if err := e.write(ctx, ActionCreate, &rec); err != nil {
		e.merger.Unstage(entity, id)
		return nil, err
	}
	return &rec, nil
}

// Update merges partial into the record and writes the full result.
// Returns ErrNotFound for unknown or deleted records.
func (e *Engine) Update(ctx context.Context, entity, id string, partial map[string]any) (*Record, error) {
	if err := e.check(entity); err != nil {
		return nil, err
	}
	rec, err := e.current(entity, id)
	if err != nil {
		return nil, err
	}

	for k, v := range stripSystemFields(partial) {
		rec.Payload[k] = v
	}
	rec.UpdatedAt = e.now().UTC()

	if err := e.write(ctx, ActionUpdate, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SoftDelete tombstones a record locally and remotely.
func (e *Engine) SoftDelete(ctx context.Context, entity, id string) error {
	if err := e.check(entity); err != nil {
		return err
	}
	rec, err := e.current(entity, id)
	if err != nil {
		return err
	}
	at := e.now().UTC()
	rec.DeletedAt = &at
	rec.UpdatedAt = at
	return e.write(ctx, ActionDelete, &rec)
}

// Restore clears a tombstone locally and remotely.
func (e *Engine) Restore(ctx context.Context, entity, id string) (*Record, error) {
	if err := e.check(entity); err != nil {
		return nil, err
	}
	cached, err := e.store.Get(entity, id)
	if err != nil {
		return nil, err
	}
	rec := cached.clone()
	rec.DeletedAt = nil
	rec.UpdatedAt = e.now().UTC()
	if err := e.write(ctx, ActionRestore, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// write sends rec to the remote store when online, then to the local
// cache. A write the remote store did not take is queued first.
func (e *Engine) write(ctx context.Context, action Action, rec *Record) error {
	op := PendingOperation{
		Action:    action,
		Entity:    rec.Entity,
		EntityID:  rec.ID,
		Payload:   operationPayload(action, *rec),
		Timestamp: rec.UpdatedAt.UnixMilli(),
	}

	// Earlier queued operations for the same id go first.
	synced := false
	if e.online() && !e.queue.HasPending(rec.Entity, rec.ID) {
		reduced, err := e.syncer.apply(ctx, op)
		if err == nil {
			synced = true
			rec.ReducedFidelity = reduced
		} else {
			e.log.Debug().Err(err).Str("entity", rec.Entity).Str("id", rec.ID).Msg("remote write failed, queueing")
		}
	}
	if !synced {
		if _, err := e.queue.Enqueue(op); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}

	if err := e.writeLocal(action, *rec); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.merger.Unstage(rec.Entity, rec.ID)

	if rec.Alive() {
		e.merger.Upsert(*rec)
	} else {
		e.merger.Remove(rec.Entity, rec.ID)
	}
	e.bus.Publish(Event{Tag: EventEntityChanged, Entity: rec.Entity, ID: rec.ID, Detail: string(action)})
	return nil
}

func (e *Engine) writeLocal(action Action, rec Record) error {
	switch action {
	case ActionDelete:
		return e.store.Tombstone(rec.Entity, rec.ID, *rec.DeletedAt)
	case ActionRestore:
		if err := e.store.Restore(rec.Entity, rec.ID); err != nil {
			return err
		}
		return e.store.Put(rec)
	default:
		return e.store.Put(rec)
	}
}

// current returns the live version of id, preferring the in-memory view.
func (e *Engine) current(entity, id string) (Record, error) {
	if rec, ok := e.merger.Lookup(entity, id); ok && rec.Alive() {
		if cached, err := e.store.Get(entity, id); err == nil && !cached.Alive() {
			return Record{}, ErrNotFound
		}
		return rec, nil
	}
	cached, err := e.store.Get(entity, id)
	if err != nil {
		return Record{}, err
	}
	if !cached.Alive() {
		return Record{}, ErrNotFound
	}
	return cached.clone(), nil
}

// Subscribe registers a listener for every engine event.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	return e.bus.Subscribe(l)
}

// Status returns the connectivity status.
func (e *Engine) Status() ConnectivityStatus {
	return e.monitor.Status()
}

// Stats returns local cache statistics.
func (e *Engine) Stats() (*StoreStats, error) {
	return e.store.Stats()
}

// Pending returns the queued operations in FIFO order.
func (e *Engine) Pending() []PendingOperation {
	return e.queue.Snapshot()
}

// Failures returns operations that exhausted their retries.
func (e *Engine) Failures() ([]TerminalFailure, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.queue.Failures()
}

// DismissFailure removes a terminal failure after the user acted on it.
func (e *Engine) DismissFailure(id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.store.DismissFailure(id)
}

// SyncNow probes the remote store and drains the queue if it answers.
// Returns ErrOffline when the remote store is unreachable.
func (e *Engine) SyncNow(ctx context.Context) (DrainResult, error) {
	if err := e.checkOpen(); err != nil {
		return DrainResult{}, err
	}
	if st := e.monitor.ProbeNow(ctx); !st.IsOnline {
		return DrainResult{}, ErrOffline
	}
	res, err := e.queue.Drain(ctx)
	if err == nil && res.Skipped {
		// The online transition started its own pass; run ours after it.
		if werr := e.waitDrained(ctx); werr != nil {
			return res, werr
		}
		res, err = e.queue.Drain(ctx)
	}
	return res, err
}

// Close stops probing, closes the realtime feed and the local cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.monitor.Close()
	e.feed.Close()
	err := e.store.Close()
	_ = e.logClose.Close()
	return err
}

func (e *Engine) waitDrained(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for e.queue.Draining() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Engine) online() bool { return e.monitor.Online() }

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) check(entity string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if _, ok := e.entities.lookup(entity); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return nil
}

// operationPayload is what a queued operation carries: the full row for
// upserts and only the tombstone for deletes.
func operationPayload(action Action, rec Record) map[string]any {
	if action == ActionDelete {
		return map[string]any{FieldDeletedAt: rec.DeletedAt.UTC().Format(time.RFC3339Nano)}
	}
	payload := make(map[string]any, len(rec.Payload)+1)
	for k, v := range rec.Payload {
		payload[k] = v
	}
	payload[FieldUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return payload
}

func stripSystemFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch k {
		case FieldID, FieldDeletedAt, FieldUpdatedAt:
			continue
		}
		out[k] = v
	}
	return out
}
