// Package schema defines the wire and storage types shared by the sync
// engine, the local store, and the relay.
package schema

import (
	"encoding/json"
	"fmt"
)

// OpType identifies the kind of mutation an operation carries.
type OpType string

const (
	// OpCreate records the creation of a record.
	OpCreate OpType = "create"

	// OpUpdate records a whole-record overwrite of an existing record.
	OpUpdate OpType = "update"

	// OpDelete records a soft delete. The payload carries the tombstoned
	// record so the deletion propagates to other clients.
	OpDelete OpType = "delete"
)

// EncryptedTable is the sentinel table name used for operations whose real
// table, type, key and payload live inside the ciphertext. The relay treats
// such operations as opaque append-only blobs.
const EncryptedTable = "encrypted"

// Operation is a single entry in the append-only change log.
//
// Operations are immutable once created; only the local synced flag (kept
// in the operation log table, not on this struct) changes after creation.
type Operation struct {
	// ID is a globally unique operation identifier (UUIDv4).
	ID string `json:"id"`

	// ClientID identifies the client that produced the operation. Pulled
	// operations with the local client's ID are echoes and are never applied.
	ClientID string `json:"clientId"`

	// Table is the logical table the operation targets, or EncryptedTable
	// for sealed operations.
	Table string `json:"table"`

	// Type is the mutation kind. Sealed operations are forced to OpCreate
	// on the wire.
	Type OpType `json:"type"`

	// Key holds the primary key values of the target record, ordered to
	// match the table's registered key fields. Composite keys carry one
	// value per field.
	Key []string `json:"key"`

	// Payload is the full record as JSON, or the ciphertext (base64 JSON
	// string) for sealed operations.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is the client-clock time of the mutation in Unix
	// milliseconds.
	Timestamp int64 `json:"timestamp"`

	// ServerTimestamp is set by providers that assign authoritative times.
	// Zero means unset.
	ServerTimestamp int64 `json:"serverTimestamp,omitempty"`

	// KeyHash is the non-secret fingerprint of the encryption key the
	// payload was sealed with. Empty for plaintext operations.
	KeyHash string `json:"keyHash,omitempty"`
}

// EffectiveTimestamp returns the timestamp used for last-writer-wins
// comparisons: the server timestamp when present, the client timestamp
// otherwise.
func (op *Operation) EffectiveTimestamp() int64 {
	if op.ServerTimestamp != 0 {
		return op.ServerTimestamp
	}
	return op.Timestamp
}

// Validate checks the structural invariants of an operation.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.ClientID == "" {
		return fmt.Errorf("operation clientId is required")
	}
	if op.Table == "" {
		return fmt.Errorf("operation table is required")
	}
	switch op.Type {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation type %q", op.Type)
	}
	if len(op.Key) == 0 {
		return fmt.Errorf("operation key is required")
	}
	if op.Timestamp <= 0 {
		return fmt.Errorf("operation timestamp is required")
	}
	return nil
}

// PayloadMap decodes the payload into a generic map. A nil or empty payload
// decodes to an empty map.
func (op *Operation) PayloadMap() (map[string]any, error) {
	if len(op.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode operation payload: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
