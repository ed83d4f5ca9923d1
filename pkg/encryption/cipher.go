// Package encryption provides the AEAD cipher used to keep platform
// credentials (cookie strings) encrypted at rest.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher wraps a ChaCha20-Poly1305 AEAD keyed from an operator-supplied
// secret. Ciphertext format: [nonce][ciphertext+tag], base64-encoded for
// storage in text columns.
type Cipher struct {
	aead      cipher.AEAD
	nonceSize int
}

// New derives a 256-bit key from secret and returns a ready cipher.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption: secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create chacha20poly1305 cipher: %w", err)
	}
	return &Cipher{aead: aead, nonceSize: aead.NonceSize()}, nil
}

// EncryptString encrypts plaintext and returns base64 ciphertext with the
// nonce prepended.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, c.nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < c.nonceSize {
		return "", fmt.Errorf("ciphertext too short: got %d, need at least %d", len(raw), c.nonceSize)
	}
	plaintext, err := c.aead.Open(nil, raw[:c.nonceSize], raw[c.nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
