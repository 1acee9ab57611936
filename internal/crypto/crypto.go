// Package crypto implements the authenticated encryption adapter used to
// seal operation payloads before they reach the relay.
//
// The relay is untrusted: it only ever sees ciphertext plus a non-secret
// fingerprint of the active key, which lets clients detect key mismatches
// without exposing key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// Adapter provides authenticated symmetric encryption (AES-256-GCM) and a
// stable, non-invertible fingerprint of the active key.
type Adapter struct {
	key         []byte
	aead        cipher.AEAD
	fingerprint string
}

// New creates an adapter from a raw 32-byte key.
func New(key []byte) (*Adapter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	sum := sha256.Sum256(key)
	return &Adapter{
		key:         append([]byte(nil), key...),
		aead:        aead,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// NewFromHex creates an adapter from a hex-encoded 32-byte key.
func NewFromHex(keyHex string) (*Adapter, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return New(key)
}

// NewFromPassphrase derives a key from a passphrase and creates an adapter.
// Derivation is a single SHA-256 pass; the passphrase is expected to carry
// real entropy (it is a sync secret, not a login password).
func NewFromPassphrase(passphrase string) (*Adapter, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return New(sum[:])
}

// GenerateKey returns a fresh random key as a hex string.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext with a random nonce. The nonce is prepended to
// the returned ciphertext.
func (a *Adapter) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Authentication failure
// (wrong key, tampering) returns an error.
func (a *Adapter) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:a.aead.NonceSize()], ciphertext[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Fingerprint returns the hex SHA-256 of the key. Deterministic, stable
// per key, and safe to transmit alongside ciphertext.
func (a *Adapter) Fingerprint() string {
	return a.fingerprint
}

// KeyHex returns the key as a hex string, for storing in config. This IS
// the secret; treat it accordingly.
func (a *Adapter) KeyHex() string {
	return hex.EncodeToString(a.key)
}
