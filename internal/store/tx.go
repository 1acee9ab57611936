package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Tx is a store transaction tagged with the origin of its writes.
//
// Put and Delete implement the user-facing write path: they stamp
// timestamps, keep deletes soft, and invoke the capture hooks. PutRecord
// is the raw upsert used by the pull pipeline's apply step; it never
// stamps and never captures.
type Tx struct {
	tx     *sql.Tx
	origin Origin
	store  *Store
}

// Origin returns the origin the transaction was opened with.
func (tx *Tx) Origin() Origin {
	return tx.origin
}

// Get loads a record by primary key. Returns (nil, nil) when no row
// exists. Tombstoned rows are returned with Deleted set; callers that
// only want live records must check the flag.
func (tx *Tx) Get(ctx context.Context, table string, key []string) (*Record, error) {
	spec, ok := tx.store.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	q := fmt.Sprintf(`SELECT payload, updated_at, server_ts, deleted FROM %q WHERE pk = ?`, spec.dataTable())
	row := tx.tx.QueryRowContext(ctx, q, encodeKey(key))

	rec, err := scanRecord(row, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s record: %w", table, err)
	}
	return rec, nil
}

// Put writes a record through the local write path.
//
// The payload is stamped with updatedAt (Unix milliseconds), primary key
// fields are back-filled from key, and the appropriate capture hook fires
// for OriginLocal transactions. A capture failure is logged, not returned;
// it must not block the user-facing write.
func (tx *Tx) Put(ctx context.Context, table string, key []string, payload map[string]any) error {
	spec, ok := tx.store.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	if len(key) != len(spec.KeyFields) {
		return fmt.Errorf("table %s: got %d key values, want %d", table, len(key), len(spec.KeyFields))
	}

	existing, err := tx.Get(ctx, table, key)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["updatedAt"] = now
	delete(payload, "deleted")
	delete(payload, "deletedAt")
	backfillKey(payload, spec.KeyFields, key)

	rec := &Record{Key: key, Payload: payload, UpdatedAt: now}
	if err := tx.putRow(ctx, spec, rec); err != nil {
		return err
	}

	tx.fireCapture(ctx, table, key, payload, existing == nil || existing.Deleted)
	return nil
}

// Delete soft-deletes a record: the row is rewritten with a tombstone
// flag and deletedAt stamp, never physically removed. Deleting a missing
// record writes a bare tombstone so the delete still propagates.
func (tx *Tx) Delete(ctx context.Context, table string, key []string) error {
	spec, ok := tx.store.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	existing, err := tx.Get(ctx, table, key)
	if err != nil {
		return err
	}

	payload := map[string]any{}
	if existing != nil {
		payload = existing.Payload
	}
	now := time.Now().UnixMilli()
	payload["updatedAt"] = now
	payload["deleted"] = true
	payload["deletedAt"] = now
	backfillKey(payload, spec.KeyFields, key)

	rec := &Record{Key: key, Payload: payload, UpdatedAt: now, Deleted: true}
	if err := tx.putRow(ctx, spec, rec); err != nil {
		return err
	}

	if tx.origin == OriginLocal && tx.store.capture != nil {
		if cerr := tx.store.capture.OnDelete(ctx, tx, table, key, payload); cerr != nil {
			tx.store.logger.Printf("Warning: change capture failed for delete on %s: %v", table, cerr)
		}
	}
	return nil
}

// PutRecord upserts a record exactly as given. No stamping, no capture.
// This is the apply path for pulled operations.
func (tx *Tx) PutRecord(ctx context.Context, table string, rec *Record) error {
	spec, ok := tx.store.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	return tx.putRow(ctx, spec, rec)
}

// HardDelete physically removes a row. Used only to evict a stale record
// during unique-index conflict resolution; normal deletes are soft.
func (tx *Tx) HardDelete(ctx context.Context, table string, key []string) error {
	spec, ok := tx.store.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE pk = ?`, spec.dataTable())
	if _, err := tx.tx.ExecContext(ctx, q, encodeKey(key)); err != nil {
		return fmt.Errorf("failed to hard-delete %s record: %w", table, err)
	}
	return nil
}

// FindByUniqueField locates the live record holding a unique field value.
// Returns (nil, nil) when no such record exists.
func (tx *Tx) FindByUniqueField(ctx context.Context, table, field string, value any) (*Record, error) {
	spec, ok := tx.store.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	found := false
	for _, f := range spec.UniqueFields {
		if f == field {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("table %s: %q is not a unique field", table, field)
	}

	q := fmt.Sprintf(
		`SELECT pk, payload, updated_at, server_ts, deleted FROM %q WHERE json_extract(payload, '$.%s') = ? AND deleted = 0`,
		spec.dataTable(), field,
	)
	row := tx.tx.QueryRowContext(ctx, q, value)

	var pk string
	var payloadJSON string
	var updatedAt int64
	var serverTS sql.NullInt64
	var deleted int
	err := row.Scan(&pk, &payloadJSON, &updatedAt, &serverTS, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table, field, err)
	}

	key, err := decodeKey(pk)
	if err != nil {
		return nil, err
	}
	return buildRecord(key, payloadJSON, updatedAt, serverTS, deleted)
}

// ForEach iterates all rows of a table, tombstones included, in pk order.
func (tx *Tx) ForEach(ctx context.Context, table string, fn func(rec *Record) error) error {
	spec, ok := tx.store.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	q := fmt.Sprintf(`SELECT pk, payload, updated_at, server_ts, deleted FROM %q ORDER BY pk`, spec.dataTable())
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to scan table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pk, payloadJSON string
		var updatedAt int64
		var serverTS sql.NullInt64
		var deleted int
		if err := rows.Scan(&pk, &payloadJSON, &updatedAt, &serverTS, &deleted); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		key, err := decodeKey(pk)
		if err != nil {
			return err
		}
		rec, err := buildRecord(key, payloadJSON, updatedAt, serverTS, deleted)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (tx *Tx) putRow(ctx context.Context, spec TableSpec, rec *Record) error {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", spec.Name, err)
	}

	var serverTS any
	if rec.ServerTS != 0 {
		serverTS = rec.ServerTS
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	q := fmt.Sprintf(`
	INSERT INTO %q (pk, payload, updated_at, server_ts, deleted)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(pk) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		server_ts = excluded.server_ts,
		deleted = excluded.deleted
	`, spec.dataTable())

	if _, err := tx.tx.ExecContext(ctx, q, encodeKey(rec.Key), string(payloadJSON), rec.UpdatedAt, serverTS, deleted); err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", spec.Name, err)
	}
	return nil
}

func (tx *Tx) fireCapture(ctx context.Context, table string, key []string, payload map[string]any, isCreate bool) {
	if tx.origin != OriginLocal || tx.store.capture == nil {
		return
	}
	var err error
	if isCreate {
		err = tx.store.capture.OnCreate(ctx, tx, table, key, payload)
	} else {
		err = tx.store.capture.OnUpdate(ctx, tx, table, key, payload)
	}
	if err != nil {
		tx.store.logger.Printf("Warning: change capture failed for write on %s: %v", table, err)
	}
}

// backfillKey copies primary key values into payload fields that are
// missing or nil. Supports both single-field and composite keys.
func backfillKey(payload map[string]any, keyFields, key []string) {
	for i, field := range keyFields {
		if i >= len(key) {
			return
		}
		if v, ok := payload[field]; !ok || v == nil {
			payload[field] = key[i]
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, key []string) (*Record, error) {
	var payloadJSON string
	var updatedAt int64
	var serverTS sql.NullInt64
	var deleted int
	if err := row.Scan(&payloadJSON, &updatedAt, &serverTS, &deleted); err != nil {
		return nil, err
	}
	return buildRecord(key, payloadJSON, updatedAt, serverTS, deleted)
}

func buildRecord(key []string, payloadJSON string, updatedAt int64, serverTS sql.NullInt64, deleted int) (*Record, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	rec := &Record{
		Key:       key,
		Payload:   payload,
		UpdatedAt: updatedAt,
		Deleted:   deleted != 0,
	}
	if serverTS.Valid {
		rec.ServerTS = serverTS.Int64
	}
	return rec, nil
}
