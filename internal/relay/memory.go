package relay

import (
	"context"

	"github.com/relaysync/relaysync/internal/schema"
	syncengine "github.com/relaysync/relaysync/internal/sync"
)

// Memory is an in-process provider backed by the same stream logic as
// the HTTP server. Used by tests and load tests, and usable as a local
// loopback relay.
type Memory struct {
	stream   stream
	pageSize int
}

// NewMemory creates an in-process relay with the default page size.
func NewMemory() *Memory {
	return &Memory{pageSize: DefaultPageSize}
}

// NewMemoryWithPageSize creates an in-process relay with a custom pull
// page size.
func NewMemoryWithPageSize(pageSize int) *Memory {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Memory{pageSize: pageSize}
}

// Push implements sync.Provider.
func (m *Memory) Push(ctx context.Context, ops []schema.Operation, clientID string) (*syncengine.PushResult, error) {
	cursor := m.stream.append(ops)
	return &syncengine.PushResult{Cursor: &cursor}, nil
}

// Pull implements sync.Provider.
func (m *Memory) Pull(ctx context.Context, cursor int64, clientID string) (*syncengine.PullResult, error) {
	ops, next := m.stream.page(cursor, m.pageSize)
	return &syncengine.PullResult{Ops: ops, NextCursor: next}, nil
}

// PendingCount implements sync.PendingCounter.
func (m *Memory) PendingCount(ctx context.Context, cursor int64, clientID string) (int, error) {
	return m.stream.pending(cursor), nil
}

// Size returns the stream length.
func (m *Memory) Size() int64 {
	return m.stream.size()
}
