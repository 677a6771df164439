// Package crypto implements the end-to-end cryptographic core: AEAD,
// identity keys, X3DH key agreement, the Double Ratchet session, and the
// Sender-Key group protocol. None of it ever touches plaintext server-side:
// no server package (hub included) imports it; it exists so a reference
// client implementation has a correct partner.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecryptionFailed is returned on AEAD tag mismatch, wrong key, or
// tampered ciphertext. It never carries plaintext or key material.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// KeySize is the ChaCha20-Poly1305 key size in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the ChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSize

// GenerateKey returns a fresh random 256-bit AEAD key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a fresh random 96-bit nonce. Callers must use a
// fresh nonce per encryption under the same key.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under key/nonce with ChaCha20-Poly1305, optionally
// binding aad into the authentication tag.
func Encrypt(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext under key/nonce/aad. Any failure collapses to
// ErrDecryptionFailed so callers never learn which part of verification
// failed.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
