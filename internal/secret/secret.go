// Package secret seals and opens credential blobs stored at rest.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMalformed is returned when a sealed blob is too short to contain a nonce.
var ErrMalformed = errors.New("secret: malformed ciphertext")

// Cipher encrypts with XChaCha20-Poly1305. The nonce is prepended to the
// ciphertext.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// Seal encrypts plaintext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}
