// Package encryption seals values before they reach durable storage.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64MB
	argonThreads = 4
)

// KeySize is the length of a raw key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrDecrypt is returned for truncated or tampered ciphertext and wrong keys.
	ErrDecrypt = errors.New("decryption failed")
	// ErrKeySize is returned for keys that are not KeySize bytes.
	ErrKeySize = fmt.Errorf("key must be %d bytes", KeySize)
)

// Gateway encrypts and decrypts opaque blobs. Callers never inspect the blob.
type Gateway interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AEAD is a Gateway using XChaCha20-Poly1305. A blob is the random
// 24-byte nonce followed by the sealed payload.
type AEAD struct {
	aead cipher.AEAD
}

// New creates a gateway from a raw 32-byte key.
func New(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// FromPassphrase derives the key with Argon2id.
func FromPassphrase(passphrase string, salt []byte) (*AEAD, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 8 {
		return nil, errors.New("salt must be at least 8 bytes")
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	return New(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := a.aead.NonceSize()
	if len(ciphertext) < ns+a.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// LoadKeyFile reads a hex-encoded key.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s is not hex: %w", path, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key file %s: %w", path, ErrKeySize)
	}
	return key, nil
}

// GenerateKeyFile writes a new random key to path with 0600 permissions.
// An existing file is never overwritten.
func GenerateKeyFile(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// LoadOrGenerateKeyFile loads the key at path, creating it if missing.
func LoadOrGenerateKeyFile(path string) ([]byte, error) {
	key, err := LoadKeyFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateKeyFile(path)
	}
	return key, err
}
