package sync

import (
	"context"
	"fmt"

	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
)

// Pull fetches remote operations page by page, filters echoes, decrypts,
// resolves conflicts, and applies them.
//
// Each page is applied inside a single transaction together with the
// cursor advance, so a crash mid-pull can always be retried in full. The
// loop stops on an empty page, on a cursor that made no progress, or
// after MaxPullPages pages (a guard against relay bugs, not a normal
// exit). A call while the sync lock is held is a logged no-op.
func (e *Engine) Pull(ctx context.Context) error {
	if !e.tryAcquire(StatusPulling) {
		e.logger.Printf("Warning: pull skipped, sync already in progress")
		return nil
	}

	applied, err := e.pull(ctx)
	if err != nil {
		e.release(StatusError)
		e.emitEvent(Event{Type: EventSyncError, SyncType: "pull", Err: err})
		return err
	}

	e.release(StatusIdle)
	e.emitEvent(Event{Type: EventSyncComplete, SyncType: "pull", Count: applied})
	return nil
}

func (e *Engine) pull(ctx context.Context) (int, error) {
	cipher := e.activeCipher()
	applied := 0

	for page := 0; page < e.cfg.MaxPullPages; page++ {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return applied, err
		}

		var result *PullResult
		err = e.withRetry(ctx, "pull", func() error {
			var perr error
			result, perr = e.provider.Pull(ctx, cursor, e.clientID)
			return perr
		})
		if err != nil {
			return applied, err
		}
		if result == nil || len(result.Ops) == 0 {
			break
		}

		n, err := e.applyPage(ctx, cipher, result)
		if err != nil {
			return applied, err
		}
		applied += n

		if result.NextCursor == cursor {
			// No progress; bail out rather than spin.
			break
		}
	}
	return applied, nil
}

// applyPage applies one page of pulled operations and advances the cursor
// in a single OriginSync transaction spanning all tracked tables plus the
// sync metadata. Echoes and undecryptable operations are dropped before
// the transaction opens.
func (e *Engine) applyPage(ctx context.Context, cipher Cipher, result *PullResult) (int, error) {
	ready := make([]*schema.Operation, 0, len(result.Ops))
	for i := range result.Ops {
		op := &result.Ops[i]

		// Echo suppression: a client must never re-apply its own writes.
		if op.ClientID == e.clientID {
			continue
		}

		if op.KeyHash != "" && cipher != nil && op.KeyHash != cipher.Fingerprint() {
			e.logger.Printf("Warning: operation %s sealed with a different key (hash %.12s), attempting anyway",
				op.ID, op.KeyHash)
		}

		opened, err := e.openOperation(cipher, op)
		if err != nil {
			// A single undecryptable operation must never abort the pull.
			e.logger.Printf("Warning: dropping operation %s: %v", op.ID, err)
			continue
		}
		ready = append(ready, opened)
	}

	applied := 0
	err := e.store.WithTx(ctx, store.OriginSync, func(tx *store.Tx) error {
		for _, op := range ready {
			if err := e.apply(ctx, tx, op); err != nil {
				return fmt.Errorf("failed to apply operation %s: %w", op.ID, err)
			}
			applied++
		}
		return tx.SetCursor(ctx, result.NextCursor)
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
