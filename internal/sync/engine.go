package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
)

// ErrSyncBusy is returned by operations that refuse to run while a push
// or pull is in progress.
var ErrSyncBusy = errors.New("sync in progress")

// Config holds engine tuning. All bounds are safety valves against
// unbounded work, not user-cancellable operations.
type Config struct {
	// BatchSize is the maximum operations per push batch.
	BatchSize int

	// MaxRetries is the attempt count for relay calls.
	MaxRetries int

	// RetryBaseDelay is the initial backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration

	// MaxPullPages bounds the pull loop against relay bugs that would
	// otherwise cause infinite paging.
	MaxPullPages int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		MaxRetries:     5,
		RetryBaseDelay: time.Second,
		MaxPullPages:   100,
	}
}

// Engine is the sync controller. It owns the cooperative lock, the status
// state machine, and event notifications, and drives the push and pull
// pipelines.
type Engine struct {
	store    *store.Store
	provider Provider
	cfg      *Config
	logger   *log.Logger
	clientID string

	mu     sync.Mutex
	busy   bool
	status Status
	cipher Cipher

	events chan Event
}

// New creates an engine bound to a store and provider.
//
// cipher may be nil for plaintext operation. If cfg or logger are nil,
// defaults are used. New installs the engine's change capture on the
// store and loads (or creates) the persisted client identity.
func New(st *store.Store, provider Provider, cipher Cipher, cfg *Config, logger *log.Logger) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	clientID, err := st.ClientID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load client id: %w", err)
	}

	e := &Engine{
		store:    st,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		clientID: clientID,
		status:   StatusIdle,
		cipher:   cipher,
		events:   make(chan Event, 100),
	}
	st.SetCapture(&capture{engine: e})
	return e, nil
}

// ClientID returns the persisted client identity used to tag locally
// originated operations.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Events returns the engine's event channel. Events are dropped, not
// queued, when the channel is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RegisterTable registers a tracked table and immediately replays any
// deferred operations queued for it.
func (e *Engine) RegisterTable(ctx context.Context, spec store.TableSpec) error {
	if err := e.store.RegisterTable(ctx, spec); err != nil {
		return err
	}
	return e.replayDeferredTable(ctx, spec.Name)
}

// Start replays deferred operations for every registered table. Call once
// at startup, after table registration.
func (e *Engine) Start(ctx context.Context) error {
	return e.ProcessDeferredOperations(ctx)
}

// tryAcquire takes the cooperative sync lock and moves the status machine
// to the given phase. Returns false when a sync is already in flight.
func (e *Engine) tryAcquire(phase Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return false
	}
	e.busy = true
	e.setStatusLocked(phase)
	return true
}

// release drops the lock and records the terminal status of the phase.
func (e *Engine) release(final Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy = false
	e.setStatusLocked(final)
}

func (e *Engine) setStatusLocked(status Status) {
	if e.status == status {
		return
	}
	e.status = status
	e.emitEvent(Event{Type: EventStatusChange, Status: status})
}

func (e *Engine) isBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

func (e *Engine) activeCipher() Cipher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cipher
}

// PendingCounts reports the local unsynced-operation count and, when the
// provider supports it, the relay-side pending-pull count.
type PendingCounts struct {
	// LocalUnsynced is the number of operations waiting to be pushed.
	LocalUnsynced int `json:"localUnsynced"`

	// RemotePending is the relay-reported count of operations not yet
	// pulled. Valid only when RemoteKnown is true.
	RemotePending int  `json:"remotePending"`
	RemoteKnown   bool `json:"remoteKnown"`
}

// PendingCounts returns pending-operation counts. It never blocks on or
// interferes with an in-progress sync: while the lock is held it returns
// zeros.
func (e *Engine) PendingCounts(ctx context.Context) (PendingCounts, error) {
	if e.isBusy() {
		return PendingCounts{}, nil
	}

	local, err := e.store.UnsyncedCount(ctx)
	if err != nil {
		return PendingCounts{}, err
	}
	counts := PendingCounts{LocalUnsynced: local}

	if pc, ok := e.provider.(PendingCounter); ok {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return counts, err
		}
		n, err := pc.PendingCount(ctx, cursor, e.clientID)
		if err != nil {
			e.logger.Printf("Warning: failed to fetch relay pending count: %v", err)
		} else {
			counts.RemotePending = n
			counts.RemoteKnown = true
		}
	}
	return counts, nil
}

// ResetAndRegenerateOperations clears all operation-log and cursor state
// and re-creates one create operation per existing local record per
// tracked table, so the whole dataset can be re-pushed. Used after
// encryption-key rotation. Refuses to run while a sync is in progress.
//
// Returns the number of regenerated operations.
func (e *Engine) ResetAndRegenerateOperations(ctx context.Context) (int, error) {
	return e.RotateKey(ctx, e.activeCipher())
}

// RotateKey swaps the active cipher and re-seeds the operation log under
// the new key. Refuses to run while a sync is in progress.
func (e *Engine) RotateKey(ctx context.Context, cipher Cipher) (int, error) {
	if !e.tryAcquire(StatusIdle) {
		return 0, ErrSyncBusy
	}
	defer e.release(StatusIdle)

	e.mu.Lock()
	e.cipher = cipher
	e.mu.Unlock()

	count := 0
	err := e.store.WithTx(ctx, store.OriginSync, func(tx *store.Tx) error {
		if err := tx.ClearOperations(ctx); err != nil {
			return err
		}
		if err := tx.SetCursor(ctx, 0); err != nil {
			return err
		}

		for _, table := range e.store.Tables() {
			err := tx.ForEach(ctx, table, func(rec *store.Record) error {
				op, err := e.seedOperation(table, rec)
				if err != nil {
					return err
				}
				if err := tx.AppendOperation(ctx, op); err != nil {
					return err
				}
				count++
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to re-seed table %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}

	e.logger.Printf("Regenerated %d operations across %d tables", count, len(e.store.Tables()))
	return count, nil
}

// seedOperation builds the create operation re-seeding one local record.
// Tombstones are re-seeded too so deletions keep propagating under the
// new key.
func (e *Engine) seedOperation(table string, rec *store.Record) (*schema.Operation, error) {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	ts := rec.EffectiveTimestamp()
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &schema.Operation{
		ID:        uuid.New().String(),
		ClientID:  e.clientID,
		Table:     table,
		Type:      schema.OpCreate,
		Key:       rec.Key,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}
