package studiosync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubscriptionStatus is reported by a ChangeSource for a live subscription.
type SubscriptionStatus string

const (
	StatusSubscribed   SubscriptionStatus = "subscribed"
	StatusChannelError SubscriptionStatus = "channel_error"
	StatusTimedOut     SubscriptionStatus = "timed_out"
	StatusClosed       SubscriptionStatus = "closed"
)

// ChangeKind is the remote mutation carried by a Change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is one remote mutation pushed by the realtime feed. Row holds the
// new row for inserts and updates; Old holds at least the id for deletes.
type Change struct {
	Kind   ChangeKind
	Entity string
	Row    map[string]any
	Old    map[string]any
}

// SubscriptionHandler receives the callbacks of one subscription.
type SubscriptionHandler struct {
	OnStatus func(status SubscriptionStatus, err error)
	OnChange func(Change)
}

// Subscription is a live change-feed handle.
type Subscription interface {
	Close() error
}

// ChangeSource opens realtime subscriptions on the remote store.
type ChangeSource interface {
	Subscribe(ctx context.Context, entities []string, h SubscriptionHandler) (Subscription, error)
}

// Feed applies remote changes to the in-memory view and the local cache.
//
// It holds at most one subscription. Every new subscription bumps a
// generation counter, and callbacks carrying an older generation are
// dropped, so a replaced handle can never touch state.
type Feed struct {
	source   ChangeSource
	store    *Store
	queue    *Queue
	view     *Reconciler
	bus      *Bus
	entities func() []string
	online   func() bool
	delay    time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	state  FeedState
	gen    uint64
	sub    Subscription
	timer  *time.Timer
	closed bool
}

// NewFeed creates a disconnected feed. A nil source makes Connect a no-op.
func NewFeed(source ChangeSource, store *Store, queue *Queue, view *Reconciler, bus *Bus, entities func() []string, online func() bool, delay time.Duration, log zerolog.Logger) *Feed {
	return &Feed{
		source:   source,
		store:    store,
		queue:    queue,
		view:     view,
		bus:      bus,
		entities: entities,
		online:   online,
		delay:    delay,
		log:      log.With().Str("component", "feed").Logger(),
		state:    FeedDisconnected,
	}
}

// State returns the current lifecycle state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect opens a subscription. It does nothing unless the feed is
// disconnected and the engine is online.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed || f.source == nil || f.state != FeedDisconnected || !f.online() {
		f.mu.Unlock()
		return nil
	}
	f.stopTimer()
	f.state = FeedConnecting
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	f.log.Debug().Uint64("gen", gen).Msg("connecting")
	sub, err := f.source.Subscribe(ctx, f.entities(), SubscriptionHandler{
		OnStatus: func(s SubscriptionStatus, err error) { f.onStatus(gen, s, err) },
		OnChange: func(c Change) { f.onChange(gen, c) },
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		// Disconnected or replaced while dialing.
		if sub != nil {
			go closeQuietly(sub)
		}
		return nil
	}
	if err != nil {
		f.log.Warn().Err(err).Msg("subscribe failed")
		f.state = FeedDisconnected
		f.scheduleReconnect()
		return err
	}
	f.sub = sub
	return nil
}

// Disconnect tears down the subscription and cancels a pending reconnect.
// Safe to call in any state.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardown()
}

// Close disconnects and prevents further connects.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.teardown()
}

func (f *Feed) teardown() {
	f.gen++
	f.stopTimer()
	if f.sub != nil {
		go closeQuietly(f.sub)
		f.sub = nil
	}
	if f.state != FeedDisconnected {
		f.log.Debug().Msg("disconnected")
	}
	f.state = FeedDisconnected
}

func (f *Feed) onStatus(gen uint64, status SubscriptionStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}

	switch status {
	case StatusSubscribed:
		f.state = FeedSubscribed
		f.log.Info().Msg("subscribed")
	case StatusChannelError, StatusTimedOut, StatusClosed:
		f.log.Warn().Err(err).Str("status", string(status)).Dur("retry_in", f.delay).Msg("subscription lost")
		f.teardown()
		f.scheduleReconnect()
	}
}

// scheduleReconnect arms a single reconnect attempt. Callers hold f.mu.
func (f *Feed) scheduleReconnect() {
	if f.closed || f.timer != nil {
		return
	}
	f.timer = time.AfterFunc(f.delay, func() {
		f.mu.Lock()
		f.timer = nil
		f.mu.Unlock()
		if err := f.Connect(context.Background()); err != nil {
			f.log.Debug().Err(err).Msg("reconnect failed")
		}
	})
}

func (f *Feed) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Feed) onChange(gen uint64, c Change) {
	f.mu.Lock()
	current := gen == f.gen
	f.mu.Unlock()
	if !current {
		return
	}

	switch c.Kind {
	case ChangeInsert:
		f.applyInsert(c)
	case ChangeUpdate:
		f.applyUpdate(c)
	case ChangeDelete:
		f.applyDelete(c)
	default:
		f.log.Debug().Str("kind", string(c.Kind)).Msg("ignoring change")
	}
}

// applyInsert adds the row unless the view already has it, which is the
// case when this engine wrote the row itself.
func (f *Feed) applyInsert(c Change) {
	rec, ok := recordFromRow(c.Entity, c.Row)
	if !ok || f.view.Has(c.Entity, rec.ID) {
		return
	}
	if !rec.Alive() {
		f.remove(c.Entity, rec.ID, *rec.DeletedAt)
		return
	}
	if f.locallyTombstoned(c.Entity, rec.ID) || f.pending(c.Entity, rec.ID) {
		return
	}
	f.view.Upsert(rec)
	f.persist(rec)
	f.bus.Publish(Event{Tag: EventEntityChanged, Entity: c.Entity, ID: rec.ID, Detail: string(c.Kind)})
}

// applyUpdate treats an update that sets the tombstone as a removal.
func (f *Feed) applyUpdate(c Change) {
	rec, ok := recordFromRow(c.Entity, c.Row)
	if !ok {
		return
	}
	if !rec.Alive() {
		f.remove(c.Entity, rec.ID, *rec.DeletedAt)
		return
	}
	if f.locallyTombstoned(c.Entity, rec.ID) || f.pending(c.Entity, rec.ID) {
		return
	}
	f.view.Upsert(rec)
	f.persist(rec)
	f.bus.Publish(Event{Tag: EventEntityChanged, Entity: c.Entity, ID: rec.ID, Detail: string(c.Kind)})
}

func (f *Feed) applyDelete(c Change) {
	id := idString(c.Old[FieldID])
	if id == "" {
		id = idString(c.Row[FieldID])
	}
	if id == "" {
		return
	}
	f.remove(c.Entity, id, time.Now().UTC())
}

func (f *Feed) remove(entity, id string, at time.Time) {
	f.view.Remove(entity, id)
	if err := f.store.Tombstone(entity, id, at); err != nil {
		f.log.Warn().Err(err).Str("entity", entity).Str("id", id).Msg("cache tombstone")
	}
	f.bus.Publish(Event{Tag: EventEntityChanged, Entity: entity, ID: id, Detail: string(ChangeDelete)})
}

func (f *Feed) persist(rec Record) {
	if err := f.store.Put(rec); err != nil {
		f.log.Warn().Err(err).Str("entity", rec.Entity).Str("id", rec.ID).Msg("cache change")
	}
}

// pending reports a queued local write for id. Its row stays as written
// until the queue drains; the next merge brings the remote version.
func (f *Feed) pending(entity, id string) bool {
	if f.queue == nil || !f.queue.HasPending(entity, id) {
		return false
	}
	f.log.Debug().Str("entity", entity).Str("id", id).Msg("change held back by pending write")
	return true
}

func (f *Feed) locallyTombstoned(entity, id string) bool {
	cached, err := f.store.Get(entity, id)
	return err == nil && !cached.Alive()
}

func closeQuietly(s Subscription) { _ = s.Close() }
