package sync

import (
	"context"
	"fmt"

	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
)

// Push drains all unsynced operations to the relay in bounded batches.
//
// A call while another push or pull holds the sync lock is a logged
// no-op. With nothing to push, the provider is never called and the
// engine returns to idle. Batches that the relay acknowledged before a
// terminal failure stay marked synced; partial progress is preserved,
// not rolled back.
func (e *Engine) Push(ctx context.Context) error {
	if !e.tryAcquire(StatusPushing) {
		e.logger.Printf("Warning: push skipped, sync already in progress")
		return nil
	}

	count, err := e.push(ctx)
	if err != nil {
		e.release(StatusError)
		e.emitEvent(Event{Type: EventSyncError, SyncType: "push", Err: err})
		return err
	}

	e.release(StatusIdle)
	e.emitEvent(Event{Type: EventSyncComplete, SyncType: "push", Count: count})
	return nil
}

func (e *Engine) push(ctx context.Context) (int, error) {
	ops, err := e.store.UnsyncedOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending operations: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	cipher := e.activeCipher()
	pushed := 0
	for start := 0; start < len(ops); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch := ops[start:end]

		if err := e.pushBatch(ctx, cipher, batch); err != nil {
			return pushed, err
		}
		pushed += len(batch)
	}
	return pushed, nil
}

func (e *Engine) pushBatch(ctx context.Context, cipher Cipher, batch []schema.Operation) error {
	wireOps := make([]schema.Operation, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for i := range batch {
		sealed, err := e.sealOperation(cipher, &batch[i])
		if err != nil {
			return err
		}
		wireOps = append(wireOps, *sealed)
		ids = append(ids, batch[i].ID)
	}

	var result *PushResult
	err := e.withRetry(ctx, "push", func() error {
		var perr error
		result, perr = e.provider.Push(ctx, wireOps, e.clientID)
		return perr
	})
	if err != nil {
		return err
	}

	return e.store.WithTx(ctx, store.OriginSync, func(tx *store.Tx) error {
		if err := tx.MarkOperationsSynced(ctx, ids); err != nil {
			return err
		}
		return e.adoptPushCursor(ctx, tx, result, len(batch))
	})
}

// adoptPushCursor applies the conservative cursor-advance heuristic.
//
// The relay-reported cursor is adopted only when it equals the current
// cursor plus the batch length: the relay's state is then provably "my
// base plus my batch" and no concurrent writer interleaved. A greater
// value means other clients wrote concurrently; a smaller one is an
// anomaly. In both cases the local cursor is left untouched so the next
// pull fetches the gap instead of silently skipping it.
func (e *Engine) adoptPushCursor(ctx context.Context, tx *store.Tx, result *PushResult, batchLen int) error {
	if result == nil || result.Cursor == nil {
		return nil
	}

	current, err := e.store.Cursor(ctx)
	if err != nil {
		return err
	}
	expected := current + int64(batchLen)
	reported := *result.Cursor

	switch {
	case reported == expected:
		return tx.SetCursor(ctx, reported)
	case reported > expected:
		e.logger.Printf("Relay cursor %d ahead of expected %d, concurrent writers detected; keeping cursor %d",
			reported, expected, current)
	default:
		e.logger.Printf("Warning: relay cursor %d behind expected %d; keeping cursor %d",
			reported, expected, current)
	}
	return nil
}
