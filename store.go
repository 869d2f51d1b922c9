package studiosync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/studiosync/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "2"

// Metadata keys.
const (
	metaSchemaVersion  = "schema_version"
	metaLastSync       = "last_sync"
	metaFallbackPrefix = "schema_fallback:"
)

// Store manages the local SQLite cache: entity rows with tombstones and,
// in separate tables, the pending operation queue and terminal failures.
//
// Every mutation of cached rows goes through Put, Tombstone or Restore so
// the tombstone rules live in one place.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates a local cache store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	// between the write path, the drain loop and the realtime feed.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Put inserts or replaces a cached row.
//
// An existing tombstone survives a Put whose record is alive: a stale
// remote row or a late realtime event cannot resurrect a deleted record.
// Only Restore clears a tombstone.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("store: encode payload: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO records (entity, id, payload, deleted_at, updated_at, reduced_fidelity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			payload = excluded.payload,
			deleted_at = COALESCE(records.deleted_at, excluded.deleted_at),
			updated_at = excluded.updated_at,
			reduced_fidelity = excluded.reduced_fidelity
	`,
		rec.Entity,
		rec.ID,
		string(payload),
		formatTimePtr(rec.DeletedAt),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.ReducedFidelity),
	)
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", rec.Entity, rec.ID, err)
	}
	return nil
}

// Tombstone marks a row deleted. A row that does not exist yet is created
// as a tombstone so a later remote fetch cannot introduce it.
func (s *Store) Tombstone(entity, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO records (entity, id, payload, deleted_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			deleted_at = COALESCE(records.deleted_at, excluded.deleted_at),
			updated_at = excluded.updated_at
	`, entity, id, ts, ts)
	if err != nil {
		return fmt.Errorf("store: tombstone %s/%s: %w", entity, id, err)
	}
	return nil
}

// Restore clears a tombstone. Returns ErrNotFound if the row is unknown.
func (s *Store) Restore(entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE records SET deleted_at = NULL, updated_at = ? WHERE entity = ? AND id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), entity, id)
	if err != nil {
		return fmt.Errorf("store: restore %s/%s: %w", entity, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReducedFidelity flags a row as written with the reduced schema.
func (s *Store) MarkReducedFidelity(entity, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`UPDATE records SET reduced_fidelity = 1 WHERE entity = ? AND id = ?`, entity, id)
	return err
}

// Get retrieves a cached row, tombstoned or not.
func (s *Store) Get(entity, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT entity, id, payload, deleted_at, updated_at, reduced_fidelity
		FROM records WHERE entity = ? AND id = ?
	`, entity, id)
	return scanRecordFrom(row)
}

// List returns every cached row of an entity type, including tombstones,
// ordered by id.
func (s *Store) List(entity string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT entity, id, payload, deleted_at, updated_at, reduced_fidelity
		FROM records WHERE entity = ? ORDER BY id
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", entity, err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

// InsertOperation durably appends a pending operation.
func (s *Store) InsertOperation(op PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("store: encode operation payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO pending_operations (id, action, entity, entity_id, payload, timestamp, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Action), op.Entity, op.EntityID, string(payload), op.Timestamp, op.RetryCount)
	if err != nil {
		return fmt.Errorf("store: enqueue %s: %w", op.ID, err)
	}
	return nil
}

// DeleteOperation durably removes an acknowledged operation.
func (s *Store) DeleteOperation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: ack %s: %w", id, err)
	}
	return nil
}

// LoadOperations returns the persisted queue in enqueue order.
func (s *Store) LoadOperations() ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, action, entity, entity_id, payload, timestamp, retry_count
		FROM pending_operations ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load queue: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var (
			op      PendingOperation
			action  string
			payload string
		)
		if err := rows.Scan(&op.ID, &action, &op.Entity, &op.EntityID, &payload, &op.Timestamp, &op.RetryCount); err != nil {
			return nil, err
		}
		op.Action = Action(action)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("store: decode operation %s: %w", op.ID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SaveDrainResult persists the outcome of a drain pass in one transaction:
// retry counts of surviving operations and the move of exhausted ones into
// terminal_failures.
func (s *Store) SaveDrainResult(survivors []PendingOperation, terminal []TerminalFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	for _, op := range survivors {
		if _, err := tx.Exec(`UPDATE pending_operations SET retry_count = ? WHERE id = ?`, op.RetryCount, op.ID); err != nil {
			return fmt.Errorf("store: update retry count %s: %w", op.ID, err)
		}
	}

	for _, f := range terminal {
		op := f.Operation
		payload, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("store: encode failure payload: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO terminal_failures (id, action, entity, entity_id, payload, timestamp, retry_count, error, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, op.ID, string(op.Action), op.Entity, op.EntityID, string(payload), op.Timestamp, op.RetryCount,
			f.Error, f.FailedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("store: record terminal failure %s: %w", op.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM pending_operations WHERE id = ?`, op.ID); err != nil {
			return fmt.Errorf("store: remove terminal operation %s: %w", op.ID, err)
		}
	}

	return tx.Commit()
}

// TerminalFailures returns operations that exhausted their retries, oldest first.
func (s *Store) TerminalFailures() ([]TerminalFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, action, entity, entity_id, payload, timestamp, retry_count, error, failed_at
		FROM terminal_failures ORDER BY failed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list failures: %w", err)
	}
	defer rows.Close()

	var failures []TerminalFailure
	for rows.Next() {
		var (
			f        TerminalFailure
			action   string
			payload  string
			failedAt string
		)
		op := &f.Operation
		if err := rows.Scan(&op.ID, &action, &op.Entity, &op.EntityID, &payload, &op.Timestamp, &op.RetryCount, &f.Error, &failedAt); err != nil {
			return nil, err
		}
		op.Action = Action(action)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("store: decode failure %s: %w", op.ID, err)
		}
		f.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// DismissFailure removes an acknowledged terminal failure.
func (s *Store) DismissFailure(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM terminal_failures WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMetadata retrieves a metadata value. Returns "" when the key is unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var stats StoreStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE deleted_at IS NULL`).Scan(&stats.RecordCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE deleted_at IS NOT NULL`).Scan(&stats.TombstoneCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_operations`).Scan(&stats.PendingCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM terminal_failures`).Scan(&stats.FailureCount); err != nil {
		return nil, err
	}

	var lastSync sql.NullString
	_ = s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, metaLastSync).Scan(&lastSync)
	if lastSync.Valid {
		stats.LastSync, _ = time.Parse(time.RFC3339Nano, lastSync.String)
	}
	stats.SchemaVersion = schemaVersion

	return &stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecordFrom scans a single record row from any scanner (Row or Rows).
// Returns ErrNotFound only for sql.ErrNoRows from *sql.Row.
func scanRecordFrom(sc scanner) (*Record, error) {
	var (
		rec       Record
		payload   string
		deletedAt sql.NullString
		updatedAt string
		reduced   int
	)

	err := sc.Scan(&rec.Entity, &rec.ID, &payload, &deletedAt, &updatedAt, &reduced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", rec.Entity, rec.ID, err)
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		rec.DeletedAt = &t
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	rec.ReducedFidelity = reduced != 0

	return &rec, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
