package studiosync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventTag identifies what changed.
type EventTag string

const (
	EventStatusChange   EventTag = "status_change"
	EventSyncStart      EventTag = "sync_start"
	EventSyncComplete   EventTag = "sync_complete"
	EventSyncError      EventTag = "sync_error"
	EventDependencyDown EventTag = "dependency_down"

	// EventPendingSaved tells the writer the change is stored locally and
	// waits in the queue for the remote store.
	EventPendingSaved EventTag = "pending_saved"

	// EventTerminalFailure reports an operation that will not be retried.
	EventTerminalFailure EventTag = "sync_failed_terminal"

	// EventEntityChanged is published whenever a collection changed.
	EventEntityChanged EventTag = "entity_changed"
)

// Event is a single notification on the bus. Entity and ID are set for
// entity-scoped events.
type Event struct {
	Tag    EventTag
	Entity string
	ID     string
	Detail string
}

func (e Event) String() string {
	if e.Entity == "" {
		return string(e.Tag)
	}
	return fmt.Sprintf("%s:%s", e.Tag, e.Entity)
}

// Listener receives bus events. Listeners run synchronously on the
// publishing goroutine and must not block.
type Listener func(Event)

// Bus is an in-process fan-out. Delivery is best-effort and unordered
// across listeners; a panicking listener is recovered and skipped.
type Bus struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	log       zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
		log:       log.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Calling the unsubscribe function more than once is harmless.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current listener.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(l, ev)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", ev.String()).Interface("panic", r).Msg("listener panicked")
		}
	}()
	l(ev)
}
