package sync

import (
	"context"
	"fmt"

	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
)

// apply resolves one pulled operation against local state.
//
// Resolution is whole-record last-writer-wins: a local record strictly
// newer than the incoming operation wins, a tie favors the incoming
// write. Deletes are applied as tombstone puts so the deletion itself
// keeps propagating. Operations for unregistered tables go to the
// deferred queue.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, op *schema.Operation) error {
	spec, known := e.store.TableSpec(op.Table)
	if !known {
		e.logger.Printf("Deferring operation %s for unknown table %q", op.ID, op.Table)
		return tx.DeferOperation(ctx, op)
	}

	payload, err := op.PayloadMap()
	if err != nil {
		return err
	}

	if op.Type == schema.OpDelete {
		return e.applyTombstone(ctx, tx, spec, op, payload)
	}

	existing, err := tx.Get(ctx, op.Table, op.Key)
	if err != nil {
		return err
	}
	if existing != nil && existing.EffectiveTimestamp() > op.EffectiveTimestamp() {
		// Local record is strictly newer; the incoming write loses.
		return nil
	}

	rec := recordFromOp(spec, op, payload, false)
	err = tx.PutRecord(ctx, op.Table, rec)
	if store.IsUniqueViolation(err) {
		return e.resolveUniqueCollision(ctx, tx, spec, op, rec)
	}
	return err
}

func (e *Engine) applyTombstone(ctx context.Context, tx *store.Tx, spec store.TableSpec, op *schema.Operation, payload map[string]any) error {
	payload["deleted"] = true
	if payloadInt64(payload, "deletedAt") == 0 {
		payload["deletedAt"] = op.EffectiveTimestamp()
	}
	rec := recordFromOp(spec, op, payload, true)
	return tx.PutRecord(ctx, op.Table, rec)
}

// resolveUniqueCollision handles a put rejected by a secondary unique
// index. The remote write is authoritative for identity-bearing fields:
// the pre-existing record holding the value is evicted if its primary key
// differs, and the put retried once. A second failure is a genuine
// data-model conflict and propagates.
func (e *Engine) resolveUniqueCollision(ctx context.Context, tx *store.Tx, spec store.TableSpec, op *schema.Operation, rec *store.Record) error {
	evicted := false
	for _, field := range spec.UniqueFields {
		value, ok := rec.Payload[field]
		if !ok || value == nil {
			continue
		}
		holder, err := tx.FindByUniqueField(ctx, op.Table, field, value)
		if err != nil {
			return err
		}
		if holder == nil || keysEqual(holder.Key, op.Key) {
			continue
		}
		e.logger.Printf("Evicting stale %s record %v holding %s=%v in favor of %v",
			op.Table, holder.Key, field, value, op.Key)
		if err := tx.HardDelete(ctx, op.Table, holder.Key); err != nil {
			return err
		}
		evicted = true
	}
	if !evicted {
		return fmt.Errorf("unresolvable unique conflict applying %s to %s", op.ID, op.Table)
	}

	if err := tx.PutRecord(ctx, op.Table, rec); err != nil {
		return fmt.Errorf("unique conflict persists after eviction: %w", err)
	}
	return nil
}

// recordFromOp builds the store record for an incoming operation,
// back-filling primary key fields missing from the payload. Both
// single-field and composite keys are supported.
func recordFromOp(spec store.TableSpec, op *schema.Operation, payload map[string]any, deleted bool) *store.Record {
	for i, field := range spec.KeyFields {
		if i >= len(op.Key) {
			break
		}
		if v, ok := payload[field]; !ok || v == nil {
			payload[field] = op.Key[i]
		}
	}

	updatedAt := payloadInt64(payload, "updatedAt")
	if updatedAt == 0 {
		updatedAt = op.Timestamp
	}
	return &store.Record{
		Key:       op.Key,
		Payload:   payload,
		UpdatedAt: updatedAt,
		ServerTS:  op.ServerTimestamp,
		Deleted:   deleted,
	}
}

func keysEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
