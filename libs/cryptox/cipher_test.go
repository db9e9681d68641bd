package cryptox

import (
	"encoding/base64"
	"testing"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	blob, err := c.Encrypt("ya29.example-access-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if blob == "ya29.example-access-token" {
		t.Fatal("ciphertext equals plaintext")
	}

	plain, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "ya29.example-access-token" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestCipher_RejectsBadKey(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Fatal("expected error for invalid key")
	}
	if _, err := NewCipher(base64.StdEncoding.EncodeToString([]byte("too-short"))); err == nil {
		t.Fatal("expected error for wrong key length")
	}
}

func TestCipher_TamperedBlob(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	blob, err := c.Encrypt("refresh-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	if _, err := c.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected decryption failure for tampered blob")
	}
}
