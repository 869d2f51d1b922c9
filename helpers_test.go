package studiosync

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("dial tcp: connection refused")

// fakeRemote is an in-memory remote store.
type fakeRemote struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]any
	fetchErr error
	pingErr  error
	// failUpsert returns the error for one upsert, or nil to let it through.
	failUpsert func(table string, row map[string]any) error
	deleteErr  error
	// block makes Upsert wait until closed or the context ends.
	block chan struct{}
	// entered receives the row id when an Upsert starts, if set.
	entered chan string
	calls []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tables: make(map[string]map[string]map[string]any)}
}

func (r *fakeRemote) seed(table string, rows ...map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.table(table)
	for _, row := range rows {
		t[idString(row[FieldID])] = copyRow(row)
	}
}

func (r *fakeRemote) table(name string) map[string]map[string]any {
	t, ok := r.tables[name]
	if !ok {
		t = make(map[string]map[string]any)
		r.tables[name] = t
	}
	return t
}

func (r *fakeRemote) row(table, id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.tables[table][id]
	if !ok {
		return nil
	}
	return copyRow(row)
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRemote) setFetchErr(err error) {
	r.mu.Lock()
	r.fetchErr = err
	r.mu.Unlock()
}

func (r *fakeRemote) setPingErr(err error) {
	r.mu.Lock()
	r.pingErr = err
	r.mu.Unlock()
}

func (r *fakeRemote) Fetch(ctx context.Context, table string) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "fetch:"+table)
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	ids := make([]string, 0, len(r.tables[table]))
	for id := range r.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRow(r.tables[table][id]))
	}
	return out, nil
}

func (r *fakeRemote) Upsert(ctx context.Context, table string, row map[string]any) error {
	r.mu.Lock()
	block, entered := r.block, r.entered
	r.mu.Unlock()
	if entered != nil {
		entered <- idString(row[FieldID])
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := idString(row[FieldID])
	r.calls = append(r.calls, "upsert:"+table+":"+id)
	if r.failUpsert != nil {
		if err := r.failUpsert(table, row); err != nil {
			return err
		}
	}
	t := r.table(table)
	merged := copyRow(t[id])
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range row {
		merged[k] = v
	}
	t[id] = merged
	return nil
}

func (r *fakeRemote) SoftDelete(ctx context.Context, table, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "delete:"+table+":"+id)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	t := r.table(table)
	row := copyRow(t[id])
	if row == nil {
		row = map[string]any{FieldID: id}
	}
	row[FieldDeletedAt] = at.UTC().Format(time.RFC3339Nano)
	t[id] = row
	return nil
}

func (r *fakeRemote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func copyRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// fakeSignal is a controllable NetworkSignal.
type fakeSignal struct {
	mu       sync.Mutex
	up       bool
	watchers map[int]func(bool)
	next     int
}

func newFakeSignal(up bool) *fakeSignal {
	return &fakeSignal{up: up, watchers: make(map[int]func(bool))}
}

func (s *fakeSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *fakeSignal) Watch(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *fakeSignal) set(up bool) {
	s.mu.Lock()
	s.up = up
	fns := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(up)
	}
}

func (s *fakeSignal) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// fakeSource hands out controllable subscriptions.
type fakeSource struct {
	mu        sync.Mutex
	subs      []*fakeSub
	err       error
	entities  []string
	subscribe int
}

type fakeSub struct {
	handler SubscriptionHandler
	mu      sync.Mutex
	closed  bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (f *fakeSource) Subscribe(ctx context.Context, entities []string, h SubscriptionHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe++
	f.entities = entities
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{handler: h}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribe
}

// eventLog collects bus events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(tag EventTag) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Tag == tag {
			n++
		}
	}
	return n
}

func (l *eventLog) has(tag EventTag) bool { return l.count(tag) > 0 }

// syncFixture wires the engine components around fakes without an Engine.
type syncFixture struct {
	store  *Store
	bus    *Bus
	remote *fakeRemote
	syncer *Syncer
	queue  *Queue
	merger *Reconciler
	events *eventLog
}

func newSyncFixture(t *testing.T, entities ...EntityType) *syncFixture {
	t.Helper()
	store := newTestStore(t)
	log := zerolog.Nop()
	reg := newRegistry()
	for _, e := range entities {
		reg.add(e)
	}
	f := &syncFixture{
		store:  store,
		bus:    NewBus(log),
		remote: newFakeRemote(),
		events: &eventLog{},
	}
	f.bus.Subscribe(f.events.listen)
	f.syncer = newSyncer(f.remote, store, reg, 200*time.Millisecond, 200*time.Millisecond, log)
	f.queue = NewQueue(store, f.syncer, f.bus, 3, log)
	f.merger = NewReconciler(store, f.syncer, f.queue, log)
	return f
}

func newTestEngine(t *testing.T, remote Remote, opts ...Option) *Engine {
	t.Helper()
	cfg := Config{
		LocalPath:      filepath.Join(t.TempDir(), "cache.db"),
		RemoteURL:      "http://remote.test",
		APIKey:         "test-key",
		ClientID:       "test",
		ProbeInterval:  time.Hour,
		RemoteTimeout:  200 * time.Millisecond,
		FetchTimeout:   200 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}
	all := append([]Option{WithLogger(zerolog.Nop())}, opts...)
	if remote != nil {
		all = append(all, WithRemote(remote))
	}
	e, err := New(cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Register(EntityType{Name: "bookings", CoreFields: []string{"client"}}))
	return e
}

func ids(recs []Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
