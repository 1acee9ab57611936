// Package store provides the embedded SQLite storage layer for relaysync.
//
// The store owns two kinds of state:
//
//   - Tracked data tables. Each registered table holds whole records as
//     JSON payloads addressed by an encoded primary key. Deletes are soft:
//     the row is kept with a tombstone flag so the deletion can propagate
//     to other clients.
//   - Sync bookkeeping: the append-only operation log, the singleton sync
//     metadata row (cursor + last sync time), the deferred-operation queue,
//     and the persisted client identity.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads. All multi-statement work goes through WithTx, which
// tags the transaction with an origin (local write vs. sync apply) so the
// change-capture hooks fire only for local writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Origin tags a transaction with the path that opened it.
type Origin int

const (
	// OriginLocal marks a user-facing write. Capture hooks fire.
	OriginLocal Origin = iota

	// OriginSync marks a write performed by the pull pipeline while
	// applying remote operations. Capture hooks are suppressed so pulled
	// writes never loop back into the outgoing log.
	OriginSync
)

// TableSpec describes a tracked data table.
type TableSpec struct {
	// Name is the logical table name. Must match [a-z][a-z0-9_]*.
	Name string `mapstructure:"name" yaml:"name"`

	// KeyFields are the payload fields forming the primary key, in order.
	// A single entry is a simple key; multiple entries form a composite key.
	KeyFields []string `mapstructure:"key_fields" yaml:"key_fields"`

	// UniqueFields are payload fields with a uniqueness constraint over
	// live (non-tombstoned) records, such as emails or slugs.
	UniqueFields []string `mapstructure:"unique_fields" yaml:"unique_fields"`
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks the table spec for use in SQL identifiers.
func (ts *TableSpec) Validate() error {
	if !nameRe.MatchString(ts.Name) {
		return fmt.Errorf("invalid table name %q", ts.Name)
	}
	if len(ts.KeyFields) == 0 {
		return fmt.Errorf("table %s: at least one key field is required", ts.Name)
	}
	for _, f := range append(append([]string{}, ts.KeyFields...), ts.UniqueFields...) {
		if !nameRe.MatchString(f) {
			return fmt.Errorf("table %s: invalid field name %q", ts.Name, f)
		}
	}
	return nil
}

func (ts *TableSpec) dataTable() string {
	return "data_" + ts.Name
}

// Capture receives local mutations before their transaction commits.
//
// The storage layer invokes these callbacks inside the same transaction as
// the write itself, so an enqueued operation and the record it describes
// commit atomically. Callbacks run only for OriginLocal transactions.
type Capture interface {
	OnCreate(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error
	OnUpdate(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error
	OnDelete(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error
}

// Record is a row of a tracked data table.
type Record struct {
	Key       []string
	Payload   map[string]any
	UpdatedAt int64 // Unix milliseconds
	ServerTS  int64 // zero when unset
	Deleted   bool
}

// EffectiveTimestamp returns the timestamp used for last-writer-wins
// comparisons: the server timestamp when present, updatedAt otherwise.
func (r *Record) EffectiveTimestamp() int64 {
	if r.ServerTS != 0 {
		return r.ServerTS
	}
	return r.UpdatedAt
}

// Store wraps the SQLite connection with table registry and sync state.
type Store struct {
	conn    *sql.DB
	path    string
	logger  *log.Logger
	tables  map[string]TableSpec
	capture Capture
}

// Open creates a store at the given path, creating the parent directory
// and the bookkeeping schema as needed.
//
// If logger is nil, a default logger writing to stderr is used. The caller
// must call Close when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:   conn,
		path:   path,
		logger: logger,
		tables: make(map[string]TableSpec),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// SetCapture installs the change-capture hooks. Must be called before any
// local writes; there is no locking around the capture pointer.
func (s *Store) SetCapture(c Capture) {
	s.capture = c
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	-- Append-only operation log. seq preserves local log order.
	CREATE TABLE IF NOT EXISTS sync_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		tbl TEXT NOT NULL,
		op_type TEXT NOT NULL,
		record_key TEXT NOT NULL,
		payload TEXT,
		key_hash TEXT,
		ts INTEGER NOT NULL,
		server_ts INTEGER,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_operations_unsynced
	    ON sync_operations(synced, seq);

	-- Singleton cursor/last-sync row (id = 'global').
	CREATE TABLE IF NOT EXISTS sync_metadata (
		id TEXT PRIMARY KEY,
		last_server_cursor INTEGER NOT NULL DEFAULT 0,
		last_sync_ts INTEGER NOT NULL DEFAULT 0
	);

	-- Operations for tables not yet registered locally.
	CREATE TABLE IF NOT EXISTS deferred_operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		op TEXT NOT NULL,
		ts INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deferred_tbl
	    ON deferred_operations(tbl, ts);

	-- Persisted client identity (single row).
	CREATE TABLE IF NOT EXISTS client_info (
		id TEXT PRIMARY KEY CHECK (id = 'local'),
		client_id TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RegisterTable creates the backing data table and unique indexes for a
// tracked table and adds it to the registry. Idempotent.
func (s *Store) RegisterTable(ctx context.Context, spec TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %q (
		pk TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		server_ts INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0
	)`, spec.dataTable())
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
	}

	// Uniqueness is enforced over live rows only; tombstones must not
	// reserve identity-bearing values such as emails or slugs.
	for _, field := range spec.UniqueFields {
		idx := fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %q ON %q (json_extract(payload, '$.%s')) WHERE deleted = 0`,
			fmt.Sprintf("idx_%s_%s_unique", spec.Name, field), spec.dataTable(), field,
		)
		if _, err := s.conn.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create unique index on %s.%s: %w", spec.Name, field, err)
		}
	}

	s.tables[spec.Name] = spec
	return nil
}

// TableSpec returns the spec for a registered table.
func (s *Store) TableSpec(name string) (TableSpec, bool) {
	spec, ok := s.tables[name]
	return spec, ok
}

// Tables returns the registered table names in no particular order.
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// WithTx runs fn inside a transaction tagged with the given origin.
// The transaction is rolled back if fn returns an error.
func (s *Store) WithTx(ctx context.Context, origin Origin, fn func(tx *Tx) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, origin: origin, store: s}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountRecords returns the number of live (non-tombstoned) records in a
// tracked table.
func (s *Store) CountRecords(ctx context.Context, table string) (int, error) {
	spec, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE deleted = 0`, spec.dataTable())
	if err := s.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records in %s: %w", table, err)
	}
	return n, nil
}

// IsUniqueViolation reports whether err was caused by a uniqueness
// constraint on a data table.
func IsUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE
	}
	// Driver versions differ in how they wrap constraint errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// encodeKey renders primary key values as a canonical JSON array for use
// as the pk column.
func encodeKey(key []string) string {
	b, _ := json.Marshal(key)
	return string(b)
}

// decodeKey parses a pk column back into key values.
func decodeKey(pk string) ([]string, error) {
	var key []string
	if err := json.Unmarshal([]byte(pk), &key); err != nil {
		return nil, fmt.Errorf("failed to decode record key %q: %w", pk, err)
	}
	return key, nil
}
