package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// SessionCipher encrypts credential snapshots with AES-256-GCM. The key is
// derived from the configured passphrase with SHA-256, and each backup gets
// a fresh random nonce prepended to the ciphertext.
type SessionCipher struct {
	key [32]byte
}

// ErrBackupCorrupted is returned when a backup fails authentication.
var ErrBackupCorrupted = errors.New("session backup corrupted or wrong key")

// NewSessionCipher derives the encryption key from the passphrase.
func NewSessionCipher(passphrase string) (*SessionCipher, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase cannot be empty")
	}
	return &SessionCipher{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Encrypt seals plaintext. Output layout: nonce || ciphertext || tag.
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a backup produced by Encrypt.
func (c *SessionCipher) Decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, ErrBackupCorrupted
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBackupCorrupted
	}
	return plaintext, nil
}
