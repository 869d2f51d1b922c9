package remote

import (
	"encoding/json"
	"time"
)

// Frame types of the realtime protocol.
const (
	frameSubscribe = "subscribe"
	frameSystem    = "system"
)

// Realtime system statuses as sent by the server.
const (
	statusSubscribed   = "SUBSCRIBED"
	statusChannelError = "CHANNEL_ERROR"
	statusTimedOut     = "TIMED_OUT"
	statusClosed       = "CLOSED"
)

// SubscribeFrame asks the server to stream changes of Tables.
type SubscribeFrame struct {
	Type     string   `json:"type"`
	Tables   []string `json:"tables"`
	ClientID string   `json:"client_id,omitempty"`
}

// Frame is any server-to-client realtime message. System frames carry
// Status; change frames carry Table, Record and OldRecord.
type Frame struct {
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Table     string          `json:"table,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// softDeleteBody is the PATCH body that sets a row's tombstone.
type softDeleteBody struct {
	DeletedAt string `json:"deleted_at"`
}

func newSoftDeleteBody(at time.Time) softDeleteBody {
	return softDeleteBody{DeletedAt: at.UTC().Format(time.RFC3339Nano)}
}

// errorBody is the error shape returned by the REST layer.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}
