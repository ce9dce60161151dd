// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypter provides the symmetric cipher used on both Muster
// channels: the channel-wide publish secret, per-minion session keys,
// and the one-off keys minted for private replies all drive the same
// XChaCha20-Poly1305 AEAD.
//
// The 24-byte nonce is generated randomly per message and prepended to
// the ciphertext; the extended nonce size makes random generation safe
// without per-key counters, which matters because several worker
// processes seal under the same shared secret concurrently.
package crypter

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key size in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrAuthentication is returned by Open when the ciphertext fails
// AEAD authentication. The request server treats this as a possible
// secret rotation and retries once against the fresh key.
var ErrAuthentication = errors.New("crypter: message authentication failed")

// Crypticle seals and opens byte payloads under one symmetric key.
// Safe for concurrent use.
type Crypticle struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New creates a Crypticle from a 32-byte key. The key bytes are copied
// into the cipher state; the caller may zero its slice afterwards.
func New(key []byte) (*Crypticle, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypter: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypter: creating cipher: %w", err)
	}
	return &Crypticle{aead: aead}, nil
}

// GenerateKey returns a fresh random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypter: generating key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext, returning nonce-prefixed ciphertext.
func (c *Crypticle) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypter: generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce-prefixed ciphertext produced by Seal. Returns
// ErrAuthentication when the key is wrong or the message was tampered
// with.
func (c *Crypticle) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, ErrAuthentication
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// WriteKeyFile generates a fresh key and writes it to path with 0600
// permissions, creating parent directories as needed. The write goes
// through a temporary file and rename so concurrent regenerations are
// last-writer-wins rather than interleaved.
func WriteKeyFile(path string) error {
	key, err := GenerateKey()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("crypter: creating key directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("crypter: creating temp key file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("crypter: setting key file mode: %w", err)
	}
	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("crypter: writing key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("crypter: closing key file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("crypter: installing key file: %w", err)
	}
	return nil
}

// ReadKeyFile reads a key written by WriteKeyFile.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypter: reading key file: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypter: key file %s holds %d bytes, want %d", path, len(key), KeySize)
	}
	return key, nil
}
