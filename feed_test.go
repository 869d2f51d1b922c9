package studiosync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedFixture struct {
	*syncFixture
	source *fakeSource
	online atomic.Bool
	feed   *Feed
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	ff := &feedFixture{syncFixture: newSyncFixture(t, bookings), source: &fakeSource{}}
	ff.online.Store(true)
	ff.feed = NewFeed(ff.source, ff.store, ff.queue, ff.merger, ff.bus,
		func() []string { return []string{"bookings"} },
		ff.online.Load, 20*time.Millisecond, zerolog.Nop())
	t.Cleanup(ff.feed.Close)
	return ff
}

// connect opens a subscription and reports it subscribed.
func (ff *feedFixture) connect(t *testing.T) *fakeSub {
	t.Helper()
	require.NoError(t, ff.feed.Connect(context.Background()))
	sub := ff.source.last()
	require.NotNil(t, sub)
	sub.handler.OnStatus(StatusSubscribed, nil)
	require.Equal(t, FeedSubscribed, ff.feed.State())
	return sub
}

func TestFeed_ConnectSubscribesToEntities(t *testing.T) {
	ff := newFeedFixture(t)
	ff.connect(t)

	assert.Equal(t, []string{"bookings"}, ff.source.entities)

	// Connect while subscribed is a no-op.
	require.NoError(t, ff.feed.Connect(context.Background()))
	assert.Equal(t, 1, ff.source.count())
}

func TestFeed_ConnectOfflineIsNoop(t *testing.T) {
	ff := newFeedFixture(t)
	ff.online.Store(false)

	require.NoError(t, ff.feed.Connect(context.Background()))
	assert.Zero(t, ff.source.count())
	assert.Equal(t, FeedDisconnected, ff.feed.State())
}

func TestFeed_InsertAddsRow(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)

	sub.handler.OnChange(Change{Kind: ChangeInsert, Entity: "bookings", Row: map[string]any{FieldID: "7", "client": "Ada"}})

	rec, ok := ff.merger.Lookup("bookings", "7")
	require.True(t, ok)
	assert.Equal(t, "Ada", rec.Payload["client"])
	cached, err := ff.store.Get("bookings", "7")
	require.NoError(t, err)
	assert.Equal(t, "Ada", cached.Payload["client"])
	assert.Equal(t, 1, ff.events.count(EventEntityChanged))
}

// The echo of a row this client inserted must not duplicate or overwrite it.
func TestFeed_InsertIsIdempotent(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	ff.merger.Upsert(Record{Entity: "bookings", ID: "7", Payload: map[string]any{"client": "mine"}})

	sub.handler.OnChange(Change{Kind: ChangeInsert, Entity: "bookings", Row: map[string]any{FieldID: "7", "client": "echo"}})

	rec, _ := ff.merger.Lookup("bookings", "7")
	assert.Equal(t, "mine", rec.Payload["client"])
	assert.Zero(t, ff.events.count(EventEntityChanged))
}

func TestFeed_UpdateReplacesRow(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	ff.merger.Upsert(Record{Entity: "bookings", ID: "7", Payload: map[string]any{"client": "old"}})

	sub.handler.OnChange(Change{Kind: ChangeUpdate, Entity: "bookings", Row: map[string]any{FieldID: "7", "client": "new"}})

	rec, _ := ff.merger.Lookup("bookings", "7")
	assert.Equal(t, "new", rec.Payload["client"])
}

func TestFeed_UpdateWithTombstoneRemoves(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	ff.merger.Upsert(Record{Entity: "bookings", ID: "7", Payload: map[string]any{}})

	sub.handler.OnChange(Change{Kind: ChangeUpdate, Entity: "bookings",
		Row: map[string]any{FieldID: "7", FieldDeletedAt: "2026-03-01T10:00:00Z"}})

	assert.False(t, ff.merger.Has("bookings", "7"))
	cached, err := ff.store.Get("bookings", "7")
	require.NoError(t, err)
	assert.False(t, cached.Alive())
}

func TestFeed_DeleteRemoves(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	ff.merger.Upsert(Record{Entity: "bookings", ID: "7", Payload: map[string]any{}})

	sub.handler.OnChange(Change{Kind: ChangeDelete, Entity: "bookings", Old: map[string]any{FieldID: "7"}})

	assert.False(t, ff.merger.Has("bookings", "7"))
	cached, err := ff.store.Get("bookings", "7")
	require.NoError(t, err)
	assert.False(t, cached.Alive())
}

func TestFeed_LocalTombstoneWins(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	require.NoError(t, ff.store.Tombstone("bookings", "7", time.Now()))

	sub.handler.OnChange(Change{Kind: ChangeUpdate, Entity: "bookings", Row: map[string]any{FieldID: "7", "client": "late"}})
	sub.handler.OnChange(Change{Kind: ChangeInsert, Entity: "bookings", Row: map[string]any{FieldID: "7", "client": "late"}})

	assert.False(t, ff.merger.Has("bookings", "7"))
}

// A remote change for an id with a queued local write leaves the local
// version alone, so a later edit does not build on the remote row.
func TestFeed_PendingWriteKeepsLocalRow(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)
	local := Record{Entity: "bookings", ID: "7", Payload: map[string]any{"a": "new"}, UpdatedAt: time.Now().UTC()}
	require.NoError(t, ff.store.Put(local))
	ff.merger.Upsert(local)
	enqueue(t, ff.queue, ActionUpdate, "7", map[string]any{"a": "new"})

	sub.handler.OnChange(Change{Kind: ChangeUpdate, Entity: "bookings", Row: map[string]any{FieldID: "7", "a": "old"}})

	rec, ok := ff.merger.Lookup("bookings", "7")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Payload["a"])
	cached, err := ff.store.Get("bookings", "7")
	require.NoError(t, err)
	assert.Equal(t, "new", cached.Payload["a"])
	assert.Zero(t, ff.events.count(EventEntityChanged))

	sub.handler.OnChange(Change{Kind: ChangeInsert, Entity: "bookings", Row: map[string]any{FieldID: "8", "a": "other"}})
	assert.True(t, ff.merger.Has("bookings", "8"))
}

func TestFeed_StaleSubscriptionIsIgnored(t *testing.T) {
	ff := newFeedFixture(t)
	old := ff.connect(t)

	ff.feed.Disconnect()
	require.Eventually(t, old.isClosed, time.Second, 5*time.Millisecond)
	ff.connect(t)

	old.handler.OnChange(Change{Kind: ChangeInsert, Entity: "bookings", Row: map[string]any{FieldID: "7"}})
	old.handler.OnStatus(StatusChannelError, errors.New("late"))

	assert.False(t, ff.merger.Has("bookings", "7"))
	assert.Equal(t, FeedSubscribed, ff.feed.State())
	assert.Equal(t, 2, ff.source.count())
}

func TestFeed_ReconnectsAfterChannelError(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)

	sub.handler.OnStatus(StatusChannelError, errors.New("socket reset"))
	assert.Equal(t, FeedDisconnected, ff.feed.State())
	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return ff.source.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, FeedConnecting, ff.feed.State())
}

func TestFeed_ReconnectsAfterSubscribeError(t *testing.T) {
	ff := newFeedFixture(t)
	ff.source.mu.Lock()
	ff.source.err = errors.New("dial refused")
	ff.source.mu.Unlock()

	require.Error(t, ff.feed.Connect(context.Background()))
	assert.Equal(t, FeedDisconnected, ff.feed.State())

	require.Eventually(t, func() bool { return ff.source.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestFeed_DisconnectCancelsReconnect(t *testing.T) {
	ff := newFeedFixture(t)
	sub := ff.connect(t)

	sub.handler.OnStatus(StatusTimedOut, nil)
	ff.feed.Disconnect()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, ff.source.count())
	assert.Equal(t, FeedDisconnected, ff.feed.State())
}

func TestFeed_ClosePreventsConnect(t *testing.T) {
	ff := newFeedFixture(t)
	ff.feed.Close()

	require.NoError(t, ff.feed.Connect(context.Background()))
	assert.Zero(t, ff.source.count())
}
