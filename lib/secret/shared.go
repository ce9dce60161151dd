// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// KeySize is the size of the channel-wide publish secret in bytes.
const KeySize = 32

// Shared is the rotating channel-wide secret. The daemon owns rotation;
// the request and publish servers read the current key through Current
// and compare the returned version against the one they derived their
// crypticle from.
//
// The key slice returned by Current points into the live Buffer and is
// invalidated by the next Rotate (the old buffer is zeroed). Callers
// must derive whatever they need from it immediately and not retain it.
type Shared struct {
	mu      sync.RWMutex
	version uint64
	buffer  *Buffer
}

// NewShared generates a fresh random secret at version 1.
func NewShared() (*Shared, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secret: generating shared key: %w", err)
	}
	buffer, err := NewFromBytes(key)
	if err != nil {
		return nil, err
	}
	return &Shared{version: 1, buffer: buffer}, nil
}

// NewSharedFromKey wraps an externally sourced key (for example one
// inherited from a parent process over shared memory) at version 1.
// The source slice is zeroed.
func NewSharedFromKey(key []byte) (*Shared, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: shared key must be %d bytes, got %d", KeySize, len(key))
	}
	buffer, err := NewFromBytes(key)
	if err != nil {
		return nil, err
	}
	return &Shared{version: 1, buffer: buffer}, nil
}

// Current returns the current secret version and key bytes.
func (s *Shared) Current() (uint64, []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.buffer.Bytes()
}

// Version returns the current secret version without exposing the key.
func (s *Shared) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Rotate replaces the secret with a fresh random key and bumps the
// version. The old key memory is zeroed. Returns the new version.
func (s *Shared) Rotate() (uint64, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, fmt.Errorf("secret: generating rotated key: %w", err)
	}
	buffer, err := NewFromBytes(key)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.buffer
	s.buffer = buffer
	s.version++
	if old != nil {
		_ = old.Close()
	}
	return s.version, nil
}

// Close releases the secret memory. Idempotent.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == nil {
		return nil
	}
	err := s.buffer.Close()
	s.buffer = nil
	return err
}
