package store

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysync/relaysync/internal/schema"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func registerLinks(t *testing.T, st *Store) {
	t.Helper()

	spec := TableSpec{
		Name:         "links",
		KeyFields:    []string{"id"},
		UniqueFields: []string{"url"},
	}
	if err := st.RegisterTable(context.Background(), spec); err != nil {
		t.Fatalf("Failed to register table: %v", err)
	}
}

func putLink(t *testing.T, st *Store, id, url string) {
	t.Helper()

	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Put(context.Background(), "links", []string{id}, map[string]any{
			"id":  id,
			"url": url,
		})
	})
	if err != nil {
		t.Fatalf("Failed to put link %s: %v", id, err)
	}
}

func getLink(t *testing.T, st *Store, id string) *Record {
	t.Helper()

	var rec *Record
	err := st.WithTx(context.Background(), OriginSync, func(tx *Tx) error {
		var gerr error
		rec, gerr = tx.Get(context.Background(), "links", []string{id})
		return gerr
	})
	if err != nil {
		t.Fatalf("Failed to get link %s: %v", id, err)
	}
	return rec
}

func TestTableSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    TableSpec
		wantErr bool
	}{
		{"valid", TableSpec{Name: "links", KeyFields: []string{"id"}}, false},
		{"composite key", TableSpec{Name: "tags", KeyFields: []string{"link_id", "tag"}}, false},
		{"bad table name", TableSpec{Name: "Links!", KeyFields: []string{"id"}}, true},
		{"sql injection name", TableSpec{Name: "x; drop table y", KeyFields: []string{"id"}}, true},
		{"no key fields", TableSpec{Name: "links"}, true},
		{"bad unique field", TableSpec{Name: "links", KeyFields: []string{"id"}, UniqueFields: []string{"a b"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/a")

	rec := getLink(t, st, "a")
	if rec == nil {
		t.Fatal("Get() returned nil for existing record")
	}
	if rec.Payload["url"] != "https://example.com/a" {
		t.Errorf("payload url = %v, want https://example.com/a", rec.Payload["url"])
	}
	if rec.UpdatedAt == 0 {
		t.Error("Put() did not stamp updatedAt")
	}
	if rec.Deleted {
		t.Error("fresh record is tombstoned")
	}

	if missing := getLink(t, st, "nope"); missing != nil {
		t.Errorf("Get() for missing record = %+v, want nil", missing)
	}
}

func TestPutBackfillsKeyFields(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		// Payload deliberately missing the id field.
		return tx.Put(context.Background(), "links", []string{"x"}, map[string]any{
			"url": "https://example.com/x",
		})
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	rec := getLink(t, st, "x")
	if rec.Payload["id"] != "x" {
		t.Errorf("payload id = %v, want backfilled \"x\"", rec.Payload["id"])
	}
}

func TestSoftDelete(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/a")

	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Delete(context.Background(), "links", []string{"a"})
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	rec := getLink(t, st, "a")
	if rec == nil {
		t.Fatal("soft-deleted record was physically removed")
	}
	if !rec.Deleted {
		t.Error("record not tombstoned after Delete()")
	}
	if rec.Payload["deleted"] != true {
		t.Error("payload missing deleted flag")
	}
	if rec.Payload["deletedAt"] == nil {
		t.Error("payload missing deletedAt stamp")
	}

	n, err := st.CountRecords(context.Background(), "links")
	if err != nil {
		t.Fatalf("CountRecords() error: %v", err)
	}
	if n != 0 {
		t.Errorf("CountRecords() = %d after delete, want 0", n)
	}
}

func TestDeleteMissingRecordWritesTombstone(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Delete(context.Background(), "links", []string{"ghost"})
	})
	if err != nil {
		t.Fatalf("Delete() of missing record error: %v", err)
	}

	rec := getLink(t, st, "ghost")
	if rec == nil || !rec.Deleted {
		t.Error("Delete() of missing record did not write a tombstone")
	}
}

func TestPutRevivesTombstone(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/a")
	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Delete(context.Background(), "links", []string{"a"})
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	putLink(t, st, "a", "https://example.com/a2")

	rec := getLink(t, st, "a")
	if rec.Deleted {
		t.Error("Put() did not clear the tombstone")
	}
	if _, ok := rec.Payload["deletedAt"]; ok {
		t.Error("Put() left a stale deletedAt in the payload")
	}
}

func TestUniqueViolation(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/same")

	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Put(context.Background(), "links", []string{"b"}, map[string]any{
			"url": "https://example.com/same",
		})
	})
	if err == nil {
		t.Fatal("Put() with duplicate unique value expected error")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation() = false for %v", err)
	}
}

func TestUniqueIgnoresTombstones(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/same")
	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Delete(context.Background(), "links", []string{"a"})
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	// A tombstone must not reserve the value.
	putLink(t, st, "b", "https://example.com/same")
}

func TestFindByUniqueField(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/a")

	err := st.WithTx(context.Background(), OriginSync, func(tx *Tx) error {
		rec, err := tx.FindByUniqueField(context.Background(), "links", "url", "https://example.com/a")
		if err != nil {
			return err
		}
		if rec == nil || rec.Key[0] != "a" {
			t.Errorf("FindByUniqueField() = %+v, want record a", rec)
		}

		missing, err := tx.FindByUniqueField(context.Background(), "links", "url", "https://nope")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("FindByUniqueField() for absent value = %+v, want nil", missing)
		}

		if _, err := tx.FindByUniqueField(context.Background(), "links", "id", "a"); err == nil {
			t.Error("FindByUniqueField() on non-unique field expected error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction error: %v", err)
	}
}

func TestCompositeKey(t *testing.T) {
	st := setupStore(t)
	spec := TableSpec{Name: "tags", KeyFields: []string{"link_id", "tag"}}
	if err := st.RegisterTable(context.Background(), spec); err != nil {
		t.Fatalf("RegisterTable() error: %v", err)
	}

	ctx := context.Background()
	err := st.WithTx(ctx, OriginLocal, func(tx *Tx) error {
		return tx.Put(ctx, "tags", []string{"a", "golang"}, map[string]any{"color": "blue"})
	})
	if err != nil {
		t.Fatalf("Put() composite key error: %v", err)
	}

	err = st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		rec, err := tx.Get(ctx, "tags", []string{"a", "golang"})
		if err != nil {
			return err
		}
		if rec == nil {
			t.Fatal("Get() composite key returned nil")
		}
		if rec.Payload["link_id"] != "a" || rec.Payload["tag"] != "golang" {
			t.Errorf("composite key fields not backfilled: %v", rec.Payload)
		}

		other, err := tx.Get(ctx, "tags", []string{"a", "rust"})
		if err != nil {
			return err
		}
		if other != nil {
			t.Error("Get() with different composite key returned a record")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction error: %v", err)
	}
}

type recordingCapture struct {
	creates int
	updates int
	deletes int
}

func (c *recordingCapture) OnCreate(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error {
	c.creates++
	return nil
}

func (c *recordingCapture) OnUpdate(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error {
	c.updates++
	return nil
}

func (c *recordingCapture) OnDelete(ctx context.Context, tx *Tx, table string, key []string, payload map[string]any) error {
	c.deletes++
	return nil
}

func TestCaptureFiresForLocalWritesOnly(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	rc := &recordingCapture{}
	st.SetCapture(rc)

	ctx := context.Background()

	putLink(t, st, "a", "https://example.com/a")
	if rc.creates != 1 {
		t.Errorf("creates = %d after first put, want 1", rc.creates)
	}

	putLink(t, st, "a", "https://example.com/a2")
	if rc.updates != 1 {
		t.Errorf("updates = %d after second put, want 1", rc.updates)
	}

	err := st.WithTx(ctx, OriginLocal, func(tx *Tx) error {
		return tx.Delete(ctx, "links", []string{"a"})
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if rc.deletes != 1 {
		t.Errorf("deletes = %d, want 1", rc.deletes)
	}

	// Sync-origin writes must stay silent.
	err = st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		return tx.PutRecord(ctx, "links", &Record{
			Key:       []string{"b"},
			Payload:   map[string]any{"id": "b", "url": "https://example.com/b"},
			UpdatedAt: time.Now().UnixMilli(),
		})
	})
	if err != nil {
		t.Fatalf("PutRecord() error: %v", err)
	}
	if rc.creates != 1 || rc.updates != 1 {
		t.Errorf("capture fired for sync-origin write: %+v", rc)
	}
}

func TestReviveAfterDeleteCapturesCreate(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)

	rc := &recordingCapture{}
	st.SetCapture(rc)

	putLink(t, st, "a", "https://example.com/a")
	err := st.WithTx(context.Background(), OriginLocal, func(tx *Tx) error {
		return tx.Delete(context.Background(), "links", []string{"a"})
	})
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	putLink(t, st, "a", "https://example.com/a")
	if rc.creates != 2 {
		t.Errorf("creates = %d, want 2 (revival counts as create)", rc.creates)
	}
}

func testOperation(id, table string, ts int64) *schema.Operation {
	return &schema.Operation{
		ID:        id,
		ClientID:  "client-a",
		Table:     table,
		Type:      schema.OpCreate,
		Key:       []string{"rec-1"},
		Payload:   json.RawMessage(`{"id":"rec-1"}`),
		Timestamp: ts,
	}
}

func TestOperationLog(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, OriginLocal, func(tx *Tx) error {
		for i, id := range []string{"op-1", "op-2", "op-3"} {
			if err := tx.AppendOperation(ctx, testOperation(id, "links", int64(1000+i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("AppendOperation() error: %v", err)
	}

	ops, err := st.UnsyncedOperations(ctx)
	if err != nil {
		t.Fatalf("UnsyncedOperations() error: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("UnsyncedOperations() returned %d ops, want 3", len(ops))
	}
	if ops[0].ID != "op-1" || ops[2].ID != "op-3" {
		t.Errorf("operations out of append order: %s, %s, %s", ops[0].ID, ops[1].ID, ops[2].ID)
	}

	err = st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		return tx.MarkOperationsSynced(ctx, []string{"op-1", "op-2"})
	})
	if err != nil {
		t.Fatalf("MarkOperationsSynced() error: %v", err)
	}

	n, err := st.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("UnsyncedCount() error: %v", err)
	}
	if n != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", n)
	}
}

func TestAppendOperationValidates(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, OriginLocal, func(tx *Tx) error {
		return tx.AppendOperation(ctx, &schema.Operation{ID: "op-1"})
	})
	if err == nil {
		t.Error("AppendOperation() with invalid operation expected error")
	}
}

func TestPruneSynced(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	recent := time.Now().UnixMilli()

	err := st.WithTx(ctx, OriginLocal, func(tx *Tx) error {
		if err := tx.AppendOperation(ctx, testOperation("op-old", "links", old)); err != nil {
			return err
		}
		if err := tx.AppendOperation(ctx, testOperation("op-new", "links", recent)); err != nil {
			return err
		}
		if err := tx.AppendOperation(ctx, testOperation("op-old-unsynced", "links", old)); err != nil {
			return err
		}
		return tx.MarkOperationsSynced(ctx, []string{"op-old", "op-new"})
	})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}

	n, err := st.PruneSynced(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSynced() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneSynced() removed %d ops, want 1 (only old synced)", n)
	}

	// Unsynced operations are never pruned, however old.
	remaining, err := st.UnsyncedOperations(ctx)
	if err != nil {
		t.Fatalf("UnsyncedOperations() error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "op-old-unsynced" {
		t.Errorf("unsynced op missing after prune: %+v", remaining)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	cursor, err := st.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor() error: %v", err)
	}
	if cursor != 0 {
		t.Errorf("initial Cursor() = %d, want 0", cursor)
	}

	err = st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		return tx.SetCursor(ctx, 42)
	})
	if err != nil {
		t.Fatalf("SetCursor() error: %v", err)
	}

	cursor, err = st.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor() error: %v", err)
	}
	if cursor != 42 {
		t.Errorf("Cursor() = %d, want 42", cursor)
	}

	last, err := st.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() error: %v", err)
	}
	if last.IsZero() {
		t.Error("LastSyncTime() zero after SetCursor()")
	}
}

func TestDeferredQueue(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		if err := tx.DeferOperation(ctx, testOperation("op-2", "notes", 2000)); err != nil {
			return err
		}
		if err := tx.DeferOperation(ctx, testOperation("op-1", "notes", 1000)); err != nil {
			return err
		}
		return tx.DeferOperation(ctx, testOperation("op-3", "bookmarks", 3000))
	})
	if err != nil {
		t.Fatalf("DeferOperation() error: %v", err)
	}

	tables, err := st.DeferredTables(ctx)
	if err != nil {
		t.Fatalf("DeferredTables() error: %v", err)
	}
	if len(tables) != 2 {
		t.Errorf("DeferredTables() = %v, want 2 tables", tables)
	}

	ops, err := st.DeferredOperations(ctx, "notes")
	if err != nil {
		t.Fatalf("DeferredOperations() error: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("DeferredOperations(notes) returned %d ops, want 2", len(ops))
	}
	if ops[0].ID != "op-1" {
		t.Errorf("deferred ops not in timestamp order: %s first", ops[0].ID)
	}

	total, err := st.DeferredCount(ctx)
	if err != nil {
		t.Fatalf("DeferredCount() error: %v", err)
	}
	if total != 3 {
		t.Errorf("DeferredCount() = %d, want 3", total)
	}

	err = st.WithTx(ctx, OriginSync, func(tx *Tx) error {
		return tx.DeleteDeferred(ctx, "notes")
	})
	if err != nil {
		t.Fatalf("DeleteDeferred() error: %v", err)
	}

	total, _ = st.DeferredCount(ctx)
	if total != 1 {
		t.Errorf("DeferredCount() = %d after delete, want 1", total)
	}
}

func TestClientIDPersists(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	st, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	id1, err := st.ClientID(ctx)
	if err != nil {
		t.Fatalf("ClientID() error: %v", err)
	}
	if id1 == "" {
		t.Fatal("ClientID() returned empty id")
	}

	id2, err := st.ClientID(ctx)
	if err != nil {
		t.Fatalf("second ClientID() error: %v", err)
	}
	if id2 != id1 {
		t.Errorf("ClientID() changed within one session: %s vs %s", id1, id2)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	st2, err := Open(path, logger)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st2.Close()

	id3, err := st2.ClientID(ctx)
	if err != nil {
		t.Fatalf("ClientID() after reopen error: %v", err)
	}
	if id3 != id1 {
		t.Errorf("ClientID() changed across reopen: %s vs %s", id1, id3)
	}
}

func TestRegisterTableIdempotent(t *testing.T) {
	st := setupStore(t)
	registerLinks(t, st)
	registerLinks(t, st)

	putLink(t, st, "a", "https://example.com/a")
	if rec := getLink(t, st, "a"); rec == nil {
		t.Error("record lost after re-registering table")
	}
}
