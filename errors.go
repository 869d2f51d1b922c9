package studiosync

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrNotFound is returned when a record is not found in the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrDeleted is returned when a create reuses the id of a soft-deleted
	// record. Restore brings such a record back.
	ErrDeleted = errors.New("record is deleted")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrOffline is returned when a remote operation is attempted without a
	// configured remote store.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrUnknownEntity is returned when an entity type was never registered.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrInvalidPayload is returned when a payload cannot be converted to or
	// from its typed form.
	ErrInvalidPayload = errors.New("invalid entity payload")

	// ErrNoData is returned by a read when both the remote fetch and the
	// local cache failed and no previous result exists.
	ErrNoData = errors.New("no data available from remote or local cache")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// KindTransient covers timeouts, refused connections and 5xx responses.
	KindTransient ErrorKind = "transient"

	// KindSchemaMismatch means the remote store rejected an unrecognized field.
	KindSchemaMismatch ErrorKind = "schema_mismatch"

	// KindRejected means the remote store refused the data itself.
	KindRejected ErrorKind = "rejected"
)

// SyncError is returned for every failure at the remote boundary.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Kind       ErrorKind
	Err        error
}

func (e *SyncError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = KindTransient
	}
	return fmt.Sprintf("sync: %s failed (%s, status %d): %v", e.Operation, kind, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsSchemaMismatch reports whether err is a remote schema mismatch.
func IsSchemaMismatch(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindSchemaMismatch
}

// IsTransient reports whether err is a transient remote failure.
// Errors that never passed through the remote boundary count as transient.
func IsTransient(err error) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return err != nil
	}
	return se.Kind == KindTransient || se.Kind == ""
}
