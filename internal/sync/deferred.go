package sync

import (
	"context"
	"fmt"

	"github.com/relaysync/relaysync/internal/store"
)

// ProcessDeferredOperations replays queued operations for every table
// that has since been registered. Each table's entries replay in their
// own transaction so one table's failure cannot poison another's.
func (e *Engine) ProcessDeferredOperations(ctx context.Context) error {
	tables, err := e.store.DeferredTables(ctx)
	if err != nil {
		return err
	}

	for _, table := range tables {
		if _, known := e.store.TableSpec(table); !known {
			continue
		}
		if err := e.replayDeferredTable(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// replayDeferredTable applies a table's deferred operations in timestamp
// order, then deletes all entries for the table regardless of per-entry
// success. Entries that fail to apply are logged once and discarded; the
// goal is forward progress, not infinite retry of an unreconcilable
// record.
func (e *Engine) replayDeferredTable(ctx context.Context, table string) error {
	ops, err := e.store.DeferredOperations(ctx, table)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	replayed := 0
	err = e.store.WithTx(ctx, store.OriginSync, func(tx *store.Tx) error {
		for i := range ops {
			if err := e.apply(ctx, tx, &ops[i]); err != nil {
				e.logger.Printf("Warning: dropping deferred operation %s for %s: %v", ops[i].ID, table, err)
				continue
			}
			replayed++
		}
		return tx.DeleteDeferred(ctx, table)
	})
	if err != nil {
		return fmt.Errorf("failed to replay deferred operations for %s: %w", table, err)
	}

	e.logger.Printf("Replayed %d/%d deferred operations for %s", replayed, len(ops), table)
	return nil
}
