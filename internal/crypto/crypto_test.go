package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	// Fixed 32-byte key for deterministic tests.
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundtrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	original := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
	encrypted, err := c.Encrypt(original)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Equal(encrypted, original) {
		t.Fatal("encrypted payload should differ from plaintext")
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(decrypted, original) {
		t.Errorf("roundtrip failed: got %q, want %q", decrypted, original)
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	plaintext := []byte("same input")
	enc1, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt 1: %v", err)
	}
	enc2, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt 2: %v", err)
	}

	if bytes.Equal(enc1, enc2) {
		t.Error("two encryptions of the same plaintext should produce different ciphertexts (random nonce)")
	}

	// Both should decrypt to the same value.
	dec1, _ := c.Decrypt(enc1)
	dec2, _ := c.Decrypt(enc2)
	if !bytes.Equal(dec1, dec2) {
		t.Error("both ciphertexts should decrypt to the same plaintext")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher

	payload := []byte(`{"key":"value"}`)
	encrypted, err := c.Encrypt(payload)
	if err != nil {
		t.Fatalf("nil Encrypt: %v", err)
	}
	if !bytes.Equal(encrypted, payload) {
		t.Errorf("nil Encrypt should return payload unchanged, got %q", encrypted)
	}

	decrypted, err := c.Decrypt(payload)
	if err != nil {
		t.Fatalf("nil Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, payload) {
		t.Errorf("nil Decrypt should return payload unchanged, got %q", decrypted)
	}
}

func TestEmptyPayloadPassthrough(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	encrypted, err := c.Encrypt(nil)
	if err != nil {
		t.Fatalf("Encrypt nil: %v", err)
	}
	if encrypted != nil {
		t.Errorf("Encrypt of empty payload should return nil, got %v", encrypted)
	}

	decrypted, err := c.Decrypt(nil)
	if err != nil {
		t.Fatalf("Decrypt nil: %v", err)
	}
	if decrypted != nil {
		t.Errorf("Decrypt of empty payload should return nil, got %v", decrypted)
	}
}

func TestEmptyKeyReturnsNil(t *testing.T) {
	c, err := NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher with empty key: %v", err)
	}
	if c != nil {
		t.Error("NewCipher with empty key should return nil")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	// 16-byte key (too short for AES-256).
	short := hex.EncodeToString([]byte("0123456789abcdef"))
	_, err := NewCipher(short)
	if err == nil {
		t.Error("expected error for 16-byte key")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error should mention 32 bytes, got: %v", err)
	}

	// Invalid hex.
	_, err = NewCipher("not-hex")
	if err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestDecryptInvalidData(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	// Shorter than a nonce.
	_, err = c.Decrypt([]byte{0x01, 0x02})
	if err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	// Correct shape but tampered.
	encrypted, _ := c.Encrypt([]byte("hello"))
	encrypted[len(encrypted)-1] ^= 0xff
	_, err = c.Decrypt(encrypted)
	if err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}
