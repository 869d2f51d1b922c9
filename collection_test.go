package studiosync_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/studiosync"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type booking struct {
	ID     string `json:"id,omitempty"`
	Client string `json:"client"`
	Room   string `json:"room,omitempty"`
	Paid   bool   `json:"paid"`
}

func newBookings(t *testing.T) (*studiosync.Engine, *studiosync.Collection[booking]) {
	t.Helper()
	e, err := studiosync.New(studiosync.Config{LocalPath: filepath.Join(t.TempDir(), "cache.db")},
		studiosync.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	c, err := studiosync.NewCollection[booking](e, studiosync.EntityType{Name: "bookings", CoreFields: []string{"client"}})
	require.NoError(t, err)
	return e, c
}

func TestCollection_CreateAndGet(t *testing.T) {
	_, c := newBookings(t)
	ctx := context.Background()

	created, err := c.Create(ctx, booking{Client: "Ada", Room: "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Ada", created.Client)

	_, err = c.Create(ctx, booking{ID: "fixed", Client: "Bea"})
	require.NoError(t, err)

	all, err := c.Get(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	found, err := c.Find(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, booking{ID: "fixed", Client: "Bea"}, *found)
	assert.Equal(t, "bookings", c.Name())
}

func TestCollection_UpdateDeleteRestore(t *testing.T) {
	_, c := newBookings(t)
	ctx := context.Background()

	created, err := c.Create(ctx, booking{Client: "Ada"})
	require.NoError(t, err)

	updated, err := c.Update(ctx, created.ID, map[string]any{"paid": true})
	require.NoError(t, err)
	assert.True(t, updated.Paid)
	assert.Equal(t, "Ada", updated.Client)

	require.NoError(t, c.SoftDelete(ctx, created.ID))
	_, err = c.Find(ctx, created.ID)
	assert.ErrorIs(t, err, studiosync.ErrNotFound)
	all, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	restored, err := c.Restore(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.True(t, restored.Paid)
}

func TestCollection_SubscribeFiltersByEntity(t *testing.T) {
	e, c := newBookings(t)
	ctx := context.Background()

	other, err := studiosync.NewCollection[map[string]any](e, studiosync.EntityType{Name: "expenses"})
	require.NoError(t, err)

	var got []studiosync.Event
	unsubscribe := c.Subscribe(func(ev studiosync.Event) {
		if ev.Tag == studiosync.EventEntityChanged {
			got = append(got, ev)
		}
	})
	defer unsubscribe()

	_, err = other.Create(ctx, map[string]any{"amount": 12.5})
	require.NoError(t, err)
	_, err = c.Create(ctx, booking{Client: "Ada"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "bookings", got[0].Entity)
	assert.Equal(t, string(studiosync.ActionCreate), got[0].Detail)
}

func TestCollection_StatusOffline(t *testing.T) {
	e, c := newBookings(t)
	require.NoError(t, e.Start(context.Background()))

	st := c.Status()
	assert.False(t, st.IsOnline)
	assert.False(t, st.DependencyDown)
}

func TestCollection_InvalidPayload(t *testing.T) {
	e, _ := newBookings(t)
	c, err := studiosync.NewCollection[chan int](e, studiosync.EntityType{Name: "channels"})
	require.NoError(t, err)

	_, err = c.Create(context.Background(), make(chan int))
	assert.ErrorIs(t, err, studiosync.ErrInvalidPayload)
}
