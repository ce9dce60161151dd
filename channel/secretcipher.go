// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"sync"

	"github.com/muster-project/muster/lib/crypter"
	"github.com/muster-project/muster/lib/secret"
)

// secretCipher caches a crypticle derived from the rotating shared
// secret and rebuilds it when the secret's version moves. Both
// channel servers embed one; rotation is detected by version compare,
// not by key compare, so a rebuild costs one atomic read in the
// common case.
type secretCipher struct {
	shared *secret.Shared

	mu      sync.Mutex
	crypt   *crypter.Crypticle
	version uint64
}

// get returns the crypticle for the current secret and the secret
// version it was derived from.
func (s *secretCipher) get() (*crypter.Crypticle, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crypt == nil || s.shared.Version() != s.version {
		version, key := s.shared.Current()
		crypt, err := crypter.New(key)
		if err != nil {
			return nil, 0, err
		}
		s.crypt = crypt
		s.version = version
	}
	return s.crypt, s.version, nil
}

// open decrypts ciphertext under the shared secret. On authentication
// failure it re-derives from the possibly rotated secret and retries
// exactly once; a failure against the fresh key is final.
func (s *secretCipher) open(ciphertext []byte) ([]byte, error) {
	crypt, version, err := s.get()
	if err != nil {
		return nil, err
	}
	plain, err := crypt.Open(ciphertext)
	if err == nil || !errors.Is(err, crypter.ErrAuthentication) {
		return plain, err
	}
	fresh, freshVersion, err2 := s.get()
	if err2 != nil || freshVersion == version {
		return nil, err
	}
	return fresh.Open(ciphertext)
}

// seal encrypts plaintext under the current shared secret.
func (s *secretCipher) seal(plaintext []byte) ([]byte, error) {
	crypt, _, err := s.get()
	if err != nil {
		return nil, err
	}
	return crypt.Seal(plaintext)
}
