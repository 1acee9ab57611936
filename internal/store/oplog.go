package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaysync/relaysync/internal/schema"
)

// metadataID is the fixed id of the singleton sync_metadata row.
const metadataID = "global"

// AppendOperation appends an operation to the log with synced = 0.
// The operation is immutable once written; only the synced flag changes.
func (tx *Tx) AppendOperation(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	var serverTS any
	if op.ServerTimestamp != 0 {
		serverTS = op.ServerTimestamp
	}

	_, err := tx.tx.ExecContext(ctx, `
	INSERT INTO sync_operations (id, client_id, tbl, op_type, record_key, payload, key_hash, ts, server_ts, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, op.ID, op.ClientID, op.Table, string(op.Type), encodeKey(op.Key),
		string(op.Payload), op.KeyHash, op.Timestamp, serverTS)
	if err != nil {
		return fmt.Errorf("failed to append operation %s: %w", op.ID, err)
	}
	return nil
}

// UnsyncedOperations returns all pending operations in log order.
func (s *Store) UnsyncedOperations(ctx context.Context) ([]schema.Operation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, client_id, tbl, op_type, record_key, payload, key_hash, ts, server_ts
	FROM sync_operations
	WHERE synced = 0
	ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// UnsyncedCount returns the number of pending operations.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operations WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced operations: %w", err)
	}
	return n, nil
}

// MarkOperationsSynced flips the synced flag for the given operation IDs.
func (tx *Tx) MarkOperationsSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf(`UPDATE sync_operations SET synced = 1 WHERE id IN (%s)`, placeholders)
	if _, err := tx.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to mark operations synced: %w", err)
	}
	return nil
}

// ClearOperations removes every operation from the log. Used only by the
// key-rotation re-seed.
func (tx *Tx) ClearOperations(ctx context.Context) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM sync_operations`); err != nil {
		return fmt.Errorf("failed to clear operation log: %w", err)
	}
	return nil
}

// PruneSynced deletes synced operations older than the cutoff. Retention
// is host policy; the engine itself never deletes log entries.
func (s *Store) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_operations WHERE synced = 1 AND ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned operations: %w", err)
	}
	return n, nil
}

// Cursor returns the last adopted server cursor, zero if none.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_server_cursor FROM sync_metadata WHERE id = ?`, metadataID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return cursor, nil
}

// LastSyncTime returns the wall-clock time of the last metadata update,
// zero time if the engine has never synced.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	var ts int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_sync_ts FROM sync_metadata WHERE id = ?`, metadataID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if ts == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts), nil
}

// SetCursor records the server cursor and last-sync time. Callers invoke
// this inside the same transaction that applies a pulled page so cursor
// and applied state advance atomically.
func (tx *Tx) SetCursor(ctx context.Context, cursor int64) error {
	_, err := tx.tx.ExecContext(ctx, `
	INSERT INTO sync_metadata (id, last_server_cursor, last_sync_ts)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_server_cursor = excluded.last_server_cursor,
		last_sync_ts = excluded.last_sync_ts
	`, metadataID, cursor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

// DeferOperation stores a pulled operation for a table the local schema
// does not recognize yet, keyed by its original timestamp for ordering.
func (tx *Tx) DeferOperation(ctx context.Context, op *schema.Operation) error {
	opJSON, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred operation: %w", err)
	}
	_, err = tx.tx.ExecContext(ctx, `
	INSERT INTO deferred_operations (tbl, op, ts, received_at)
	VALUES (?, ?, ?, ?)
	`, op.Table, string(opJSON), op.Timestamp, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to defer operation %s: %w", op.ID, err)
	}
	return nil
}

// DeferredTables lists the tables with queued deferred operations.
func (s *Store) DeferredTables(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT tbl FROM deferred_operations ORDER BY tbl`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tbl string
		if err := rows.Scan(&tbl); err != nil {
			return nil, fmt.Errorf("failed to scan deferred table: %w", err)
		}
		tables = append(tables, tbl)
	}
	return tables, rows.Err()
}

// DeferredOperations returns a table's deferred operations in timestamp
// order (oldest first).
func (s *Store) DeferredOperations(ctx context.Context, table string) ([]schema.Operation, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT op FROM deferred_operations WHERE tbl = ? ORDER BY ts ASC, id ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query deferred operations for %s: %w", table, err)
	}
	defer rows.Close()

	var ops []schema.Operation
	for rows.Next() {
		var opJSON string
		if err := rows.Scan(&opJSON); err != nil {
			return nil, fmt.Errorf("failed to scan deferred operation: %w", err)
		}
		var op schema.Operation
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return nil, fmt.Errorf("failed to decode deferred operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeferredCount returns the total number of queued deferred operations.
func (s *Store) DeferredCount(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count deferred operations: %w", err)
	}
	return n, nil
}

// DeleteDeferred removes all deferred operations for a table. Called after
// a replay pass regardless of per-entry success; poison-pill entries are
// logged by the caller and dropped here, not retried.
func (tx *Tx) DeleteDeferred(ctx context.Context, table string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM deferred_operations WHERE tbl = ?`, table); err != nil {
		return fmt.Errorf("failed to delete deferred operations for %s: %w", table, err)
	}
	return nil
}

// ClientID returns the persisted client identity, generating and storing
// a new UUID on first call.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	var clientID string
	err := s.conn.QueryRowContext(ctx, `SELECT client_id FROM client_info WHERE id = 'local'`).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		clientID = uuid.New().String()
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO client_info (id, client_id) VALUES ('local', ?)`, clientID); err != nil {
			return "", fmt.Errorf("failed to persist client id: %w", err)
		}
		return clientID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}
	return clientID, nil
}

func scanOperations(rows *sql.Rows) ([]schema.Operation, error) {
	var ops []schema.Operation
	for rows.Next() {
		var op schema.Operation
		var recordKey string
		var payload, keyHash sql.NullString
		var opType string
		var serverTS sql.NullInt64

		err := rows.Scan(&op.ID, &op.ClientID, &op.Table, &opType, &recordKey, &payload, &keyHash, &op.Timestamp, &serverTS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		op.Type = schema.OpType(opType)
		key, err := decodeKey(recordKey)
		if err != nil {
			return nil, err
		}
		op.Key = key
		if payload.Valid && payload.String != "" {
			op.Payload = json.RawMessage(payload.String)
		}
		if keyHash.Valid {
			op.KeyHash = keyHash.String
		}
		if serverTS.Valid {
			op.ServerTimestamp = serverTS.Int64
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}
