package studiosync

import "time"

// Field names shared by the local cache and the remote store.
const (
	FieldID        = "id"
	FieldDeletedAt = "deleted_at"
	FieldUpdatedAt = "updated_at"
)

// EntityType describes one business collection (bookings, users, expenses...).
type EntityType struct {
	// Name is the collection tag and the remote table name.
	Name string

	// CoreFields are the columns every remote schema version accepts.
	// The id and tombstone fields are always included. When empty, the
	// schema fallback only keeps id and deleted_at.
	CoreFields []string
}

// coreSet returns the set of fields kept by a reduced-schema write.
func (t EntityType) coreSet() map[string]bool {
	set := map[string]bool{FieldID: true, FieldDeletedAt: true, FieldUpdatedAt: true}
	for _, f := range t.CoreFields {
		set[f] = true
	}
	return set
}

// Record is a single entity row as seen by the engine.
type Record struct {
	Entity    string         `json:"entity"`
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`

	// ReducedFidelity marks rows last written with the reduced schema;
	// optional fields may be stale remotely.
	ReducedFidelity bool `json:"reduced_fidelity,omitempty"`
}

// Alive reports whether the record carries no tombstone.
func (r Record) Alive() bool { return r.DeletedAt == nil }

// clone returns a copy whose payload map can be mutated freely.
func (r Record) clone() Record {
	out := r
	out.Payload = make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		out.Payload[k] = v
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Action is the mutation carried by a pending operation.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
)

// IsValid checks if the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRestore:
		return true
	}
	return false
}

// PendingOperation is a mutation not yet acknowledged by the remote store.
type PendingOperation struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
}

// TerminalFailure is a pending operation that exhausted its retries.
// It is never retried automatically.
type TerminalFailure struct {
	Operation PendingOperation `json:"operation"`
	Error     string           `json:"error"`
	FailedAt  time.Time        `json:"failed_at"`
}

// DrainResult summarizes one pass over the pending operation queue.
type DrainResult struct {
	Skipped   bool              `json:"skipped,omitempty"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Deferred  int               `json:"deferred"`
	Terminal  []TerminalFailure `json:"terminal,omitempty"`
}

// FeedState is the realtime change feed lifecycle state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedSubscribed   FeedState = "subscribed"
)

// ConnectivityStatus is the diagnostic surface for status indicators.
type ConnectivityStatus struct {
	IsOnline       bool      `json:"is_online"`
	DependencyDown bool      `json:"dependency_down"`
	QueueLength    int       `json:"queue_length"`
	Draining       bool      `json:"draining"`
	Feed           FeedState `json:"feed"`
	LastProbe      time.Time `json:"last_probe,omitempty"`
}

// StoreStats contains local cache statistics.
type StoreStats struct {
	RecordCount    int       `json:"record_count"`
	TombstoneCount int       `json:"tombstone_count"`
	PendingCount   int       `json:"pending_count"`
	FailureCount   int       `json:"failure_count"`
	LastSync       time.Time `json:"last_sync,omitempty"`
	SchemaVersion  string    `json:"schema_version"`
}
