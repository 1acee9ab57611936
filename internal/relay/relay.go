// Package relay provides the relay side of the sync protocol: a reference
// relay server, an HTTP client implementing the engine's Provider
// interface, and an in-process provider for tests and load tests.
//
// The relay holds a single global append-only stream of operations and
// has no conflict-resolution logic of its own. Its contract is exactly
// what the push cursor-safety heuristic assumes: batches commit
// atomically and the reported cursor is the stream length after the
// batch.
package relay

import (
	"sync"

	"github.com/relaysync/relaysync/internal/schema"
)

// DefaultPageSize is the maximum operations returned per pull page.
const DefaultPageSize = 100

// pushRequest is the wire form of a push call.
type pushRequest struct {
	ClientID string             `json:"clientId"`
	Ops      []schema.Operation `json:"ops"`
}

// pushResponse reports the stream cursor after the batch.
type pushResponse struct {
	Cursor int64 `json:"cursor"`
}

// pullResponse is one page of the stream.
type pullResponse struct {
	Ops        []schema.Operation `json:"ops"`
	NextCursor int64              `json:"nextCursor"`
}

// countResponse reports how many operations follow a cursor.
type countResponse struct {
	Count int `json:"count"`
}

// stream is the append-only operation log shared by Server and Memory.
type stream struct {
	mu  sync.RWMutex
	ops []schema.Operation
}

// append commits a batch atomically and returns the post-batch cursor.
func (s *stream) append(ops []schema.Operation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops...)
	return int64(len(s.ops))
}

// page returns up to limit operations after cursor plus the next cursor.
func (s *stream) page(cursor int64, limit int) ([]schema.Operation, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(s.ops)) {
		return nil, cursor
	}
	end := cursor + int64(limit)
	if end > int64(len(s.ops)) {
		end = int64(len(s.ops))
	}
	ops := make([]schema.Operation, end-cursor)
	copy(ops, s.ops[cursor:end])
	return ops, end
}

// pending returns the number of operations after cursor.
func (s *stream) pending(cursor int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(s.ops)) {
		return 0
	}
	return int(int64(len(s.ops)) - cursor)
}

// size returns the stream length.
func (s *stream) size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.ops))
}
