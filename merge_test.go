package studiosync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putLocal(t *testing.T, s *Store, id string, payload map[string]any) {
	t.Helper()
	if payload == nil {
		payload = map[string]any{}
	}
	require.NoError(t, s.Put(Record{Entity: "bookings", ID: id, Payload: payload}))
}

func TestMerge_RemoteWinsAndLocalOnlyRowsArePushed(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", nil)
	putLocal(t, f.store, "2", nil)
	putLocal(t, f.store, "3", map[string]any{"client": "offline"})
	f.remote.seed("bookings", map[string]any{FieldID: "1"}, map[string]any{FieldID: "2"})

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(recs))

	pending := f.queue.Snapshot()
	require.Len(t, pending, 1)
	assert.Equal(t, ActionCreate, pending[0].Action)
	assert.Equal(t, "3", pending[0].EntityID)
	assert.Equal(t, "offline", pending[0].Payload["client"])

	// A second read does not queue the row twice.
	_, err = f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.Len())
}

func TestMerge_RemoteFailureFallsBackToCache(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", nil)
	putLocal(t, f.store, "2", nil)
	putLocal(t, f.store, "3", nil)
	f.remote.setFetchErr(errUnreachable)

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids(recs))
	assert.Zero(t, f.queue.Len())
}

func TestMerge_OfflineSkipsRemote(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", nil)
	f.remote.seed("bookings", map[string]any{FieldID: "9"})

	recs, err := f.merger.Merge(context.Background(), "bookings", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
	assert.Empty(t, f.remote.callLog())
}

func TestMerge_RemoteRowsAreCached(t *testing.T) {
	f := newSyncFixture(t, bookings)
	f.remote.seed("bookings", map[string]any{FieldID: "1", "client": "Ada"})

	_, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)

	cached, err := f.store.Get("bookings", "1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", cached.Payload["client"])
}

func TestMerge_PendingRowsAreNotOverwrittenInCache(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", map[string]any{"client": "local"})
	_, err := f.queue.Enqueue(PendingOperation{Action: ActionUpdate, Entity: "bookings", EntityID: "1",
		Payload: map[string]any{"client": "local"}})
	require.NoError(t, err)
	f.remote.seed("bookings", map[string]any{FieldID: "1", "client": "remote"})

	_, err = f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)

	cached, err := f.store.Get("bookings", "1")
	require.NoError(t, err)
	assert.Equal(t, "local", cached.Payload["client"])
}

func TestMerge_LocalTombstoneIsNeverResurrected(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", nil)
	putLocal(t, f.store, "2", nil)
	require.NoError(t, f.store.Tombstone("bookings", "2", time.Now()))
	f.remote.seed("bookings", map[string]any{FieldID: "1"}, map[string]any{FieldID: "2", "client": "stale"})

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))

	cached, err := f.store.Get("bookings", "2")
	require.NoError(t, err)
	assert.False(t, cached.Alive())

	recs, err = f.merger.Merge(context.Background(), "bookings", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
}

func TestMerge_RemoteTombstonesAreExcluded(t *testing.T) {
	f := newSyncFixture(t, bookings)
	f.remote.seed("bookings",
		map[string]any{FieldID: "1"},
		map[string]any{FieldID: "2", FieldDeletedAt: "2026-03-01T10:00:00Z"},
	)

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
}

func TestMerge_StagedRecordsFillGaps(t *testing.T) {
	f := newSyncFixture(t, bookings)
	f.remote.seed("bookings", map[string]any{FieldID: "1", "client": "remote"})
	f.merger.Stage(Record{Entity: "bookings", ID: "1", Payload: map[string]any{"client": "staged"}})
	f.merger.Stage(Record{Entity: "bookings", ID: "5", Payload: map[string]any{"client": "staged"}})

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "5"}, ids(recs))
	assert.Equal(t, "remote", recs[0].Payload["client"])

	f.merger.Unstage("bookings", "5")
	recs, err = f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
}

// An empty merge while an earlier view had rows keeps serving that view,
// minus anything deleted locally since.
func TestMerge_NoEmptyFlash(t *testing.T) {
	f := newSyncFixture(t, bookings)
	f.remote.seed("bookings", map[string]any{FieldID: "1"}, map[string]any{FieldID: "2"})

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(recs))

	f.remote.mu.Lock()
	f.remote.tables["bookings"] = map[string]map[string]any{}
	f.remote.mu.Unlock()
	require.NoError(t, f.store.Tombstone("bookings", "2", time.Now()))

	recs, err = f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
}

func TestMerge_NoDataWithoutAnySource(t *testing.T) {
	f := newSyncFixture(t, bookings)
	require.NoError(t, f.store.Close())

	_, err := f.merger.Merge(context.Background(), "bookings", false)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestMerge_ServesPreviousViewWhenCacheFails(t *testing.T) {
	f := newSyncFixture(t, bookings)
	putLocal(t, f.store, "1", nil)
	_, err := f.merger.Merge(context.Background(), "bookings", false)
	require.NoError(t, err)

	require.NoError(t, f.store.Close())
	recs, err := f.merger.Merge(context.Background(), "bookings", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(recs))
}

func TestMerge_KeepsReducedFidelityFlag(t *testing.T) {
	f := newSyncFixture(t, bookings)
	require.NoError(t, f.store.Put(Record{Entity: "bookings", ID: "1", Payload: map[string]any{}, ReducedFidelity: true}))
	f.remote.seed("bookings", map[string]any{FieldID: "1"})

	recs, err := f.merger.Merge(context.Background(), "bookings", true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].ReducedFidelity)
}

func TestReconciler_LookupPrefersStaged(t *testing.T) {
	f := newSyncFixture(t, bookings)
	f.merger.Upsert(Record{Entity: "bookings", ID: "1", Payload: map[string]any{"v": "view"}})
	f.merger.Stage(Record{Entity: "bookings", ID: "1", Payload: map[string]any{"v": "staged"}})

	rec, ok := f.merger.Lookup("bookings", "1")
	require.True(t, ok)
	assert.Equal(t, "staged", rec.Payload["v"])

	f.merger.Remove("bookings", "1")
	_, ok = f.merger.Lookup("bookings", "1")
	assert.False(t, ok)
	assert.False(t, f.merger.Has("bookings", "1"))
}
