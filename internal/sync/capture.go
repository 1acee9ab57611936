package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaysync/relaysync/internal/schema"
	"github.com/relaysync/relaysync/internal/store"
)

// capture translates local writes into operation-log entries. The store
// invokes it inside the writing transaction, for OriginLocal writes only,
// so the record and its operation commit atomically and pulled writes
// never re-enter the outgoing log.
type capture struct {
	engine *Engine
}

func (c *capture) OnCreate(ctx context.Context, tx *store.Tx, table string, key []string, payload map[string]any) error {
	return c.enqueue(ctx, tx, schema.OpCreate, table, key, payload)
}

func (c *capture) OnUpdate(ctx context.Context, tx *store.Tx, table string, key []string, payload map[string]any) error {
	return c.enqueue(ctx, tx, schema.OpUpdate, table, key, payload)
}

func (c *capture) OnDelete(ctx context.Context, tx *store.Tx, table string, key []string, payload map[string]any) error {
	return c.enqueue(ctx, tx, schema.OpDelete, table, key, payload)
}

func (c *capture) enqueue(ctx context.Context, tx *store.Tx, typ schema.OpType, table string, key []string, payload map[string]any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode captured payload: %w", err)
	}

	ts := payloadInt64(payload, "updatedAt")
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	op := &schema.Operation{
		ID:        uuid.New().String(),
		ClientID:  c.engine.clientID,
		Table:     table,
		Type:      typ,
		Key:       append([]string(nil), key...),
		Payload:   raw,
		Timestamp: ts,
	}
	return tx.AppendOperation(ctx, op)
}

func marshalPayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// payloadInt64 reads a numeric payload field, tolerating the float64
// values JSON decoding produces.
func payloadInt64(payload map[string]any, field string) int64 {
	switch v := payload[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
