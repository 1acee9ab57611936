package sync

import (
	"context"

	"github.com/relaysync/relaysync/internal/schema"
)

// Provider is the engine's only network-facing interface: an opaque
// push/pull RPC to the relay. Implementations must commit pushed batches
// atomically and report a post-batch cursor (the push cursor-safety
// heuristic depends on it; see package documentation).
type Provider interface {
	// Push appends a batch of operations to the relay's global stream.
	// The returned cursor, if any, is the relay's stream position after
	// the batch. A nil result or nil cursor means the relay reported
	// nothing; the engine keeps its local cursor.
	Push(ctx context.Context, ops []schema.Operation, clientID string) (*PushResult, error)

	// Pull returns operations after the given cursor, page by page.
	// NextCursor equal to the request cursor signals no progress.
	Pull(ctx context.Context, cursor int64, clientID string) (*PullResult, error)
}

// PendingCounter is optionally implemented by providers that can report
// how many operations a client has not yet consumed.
type PendingCounter interface {
	PendingCount(ctx context.Context, cursor int64, clientID string) (int, error)
}

// PushResult is the relay's response to a push.
type PushResult struct {
	// Cursor is the relay's stream position after the batch, nil when
	// the relay does not report one.
	Cursor *int64 `json:"cursor,omitempty"`
}

// PullResult is one page of the relay's operation stream.
type PullResult struct {
	Ops        []schema.Operation `json:"ops"`
	NextCursor int64              `json:"nextCursor"`
}

// Cipher seals and opens operation payloads. Fingerprint must be
// deterministic, non-invertible, and stable per key.
//
// A nil cipher is valid: operations then travel in plaintext and pulled
// operations are applied as-is.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Fingerprint() string
}
