package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	keyHex, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	adapter, err := NewFromHex(keyHex)
	if err != nil {
		t.Fatalf("NewFromHex() error: %v", err)
	}

	plaintext := []byte(`{"table":"links","payload":{"url":"https://example.com"}}`)
	ciphertext, err := adapter.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("example.com")) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := adapter.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptUniqueNonce(t *testing.T) {
	adapter, err := New(make([]byte, KeySize))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	a, err := adapter.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	b, err := adapter.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same input produced identical ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := make([]byte, KeySize)
	key2 := make([]byte, KeySize)
	key2[0] = 1

	a1, _ := New(key1)
	a2, _ := New(key2)

	ciphertext, err := a1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if _, err := a2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key expected error")
	}
}

func TestDecryptTruncated(t *testing.T) {
	adapter, _ := New(make([]byte, KeySize))
	if _, err := adapter.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("Decrypt() of truncated input expected error")
	}
}

func TestFingerprint(t *testing.T) {
	keyHex, _ := GenerateKey()

	a1, _ := NewFromHex(keyHex)
	a2, _ := NewFromHex(keyHex)
	if a1.Fingerprint() != a2.Fingerprint() {
		t.Error("same key produced different fingerprints")
	}
	if len(a1.Fingerprint()) != 64 {
		t.Errorf("Fingerprint() length = %d, want 64 hex chars", len(a1.Fingerprint()))
	}
	if a1.Fingerprint() == keyHex {
		t.Error("fingerprint must not equal the key")
	}

	otherHex, _ := GenerateKey()
	a3, _ := NewFromHex(otherHex)
	if a1.Fingerprint() == a3.Fingerprint() {
		t.Error("different keys produced the same fingerprint")
	}
}

func TestNewFromPassphrase(t *testing.T) {
	a1, err := NewFromPassphrase("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewFromPassphrase() error: %v", err)
	}
	a2, err := NewFromPassphrase("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewFromPassphrase() error: %v", err)
	}
	if a1.Fingerprint() != a2.Fingerprint() {
		t.Error("same passphrase produced different keys")
	}

	if _, err := NewFromPassphrase(""); err == nil {
		t.Error("NewFromPassphrase(\"\") expected error")
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Error("New() with 16-byte key expected error")
	}
	if _, err := NewFromHex("abcd"); err == nil {
		t.Error("NewFromHex() with short key expected error")
	}
	if _, err := NewFromHex(strings.Repeat("zz", KeySize)); err == nil {
		t.Error("NewFromHex() with non-hex input expected error")
	}
}

func TestKeyHex(t *testing.T) {
	keyHex, _ := GenerateKey()
	adapter, _ := NewFromHex(keyHex)
	if adapter.KeyHex() != keyHex {
		t.Errorf("KeyHex() = %s, want %s", adapter.KeyHex(), keyHex)
	}
}
