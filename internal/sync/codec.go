package sync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/relaysync/relaysync/internal/schema"
)

// sealOperation converts an operation to its wire form. With no cipher
// the operation travels as-is. With a cipher, the whole operation is
// sealed: the wire operation carries table "encrypted" and type create so
// the relay treats it as an opaque append-only blob, the key fingerprint
// for mismatch detection, and the true table/type/key/payload inside the
// ciphertext. The client-clock timestamp stays visible for relay-side
// ordering.
func (e *Engine) sealOperation(cipher Cipher, op *schema.Operation) (*schema.Operation, error) {
	if cipher == nil {
		return op, nil
	}

	plaintext, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
	}
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt operation %s: %w", op.ID, err)
	}

	blob, err := json.Marshal(base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("failed to encode ciphertext for %s: %w", op.ID, err)
	}

	return &schema.Operation{
		ID:        op.ID,
		ClientID:  op.ClientID,
		Table:     schema.EncryptedTable,
		Type:      schema.OpCreate,
		Key:       []string{op.ID},
		Payload:   blob,
		Timestamp: op.Timestamp,
		KeyHash:   cipher.Fingerprint(),
	}, nil
}

// openOperation recovers the true operation from its wire form. Plaintext
// operations pass through. For sealed operations the payload is decrypted
// and the inner operation returned; the outer server timestamp, if the
// provider assigned one, is carried onto the inner operation.
func (e *Engine) openOperation(cipher Cipher, op *schema.Operation) (*schema.Operation, error) {
	if op.Table != schema.EncryptedTable {
		return op, nil
	}
	if cipher == nil {
		return nil, fmt.Errorf("operation %s is encrypted but no key is configured", op.ID)
	}

	var blob string
	if err := json.Unmarshal(op.Payload, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext for %s: %w", op.ID, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext for %s: %w", op.ID, err)
	}

	plaintext, err := cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	var inner schema.Operation
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("failed to decode decrypted operation %s: %w", op.ID, err)
	}
	if inner.ServerTimestamp == 0 && op.ServerTimestamp != 0 {
		inner.ServerTimestamp = op.ServerTimestamp
	}
	return &inner, nil
}
