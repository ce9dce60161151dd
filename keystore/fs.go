// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/muster-project/muster/lib/minionid"
)

// Directory names under pki_dir, one per trust state. The layout is
// shared with the muster-key CLI and must stay stable: operators
// script against these paths.
const (
	acceptedDir = "minions"
	pendingDir  = "minions_pre"
	rejectedDir = "minions_rejected"
	deniedDir   = "minions_denied"
)

// FS is the filesystem-backed Store: one file per minion per state
// directory, key text stored verbatim.
//
// The mutex serializes transitions within this process, so two
// concurrent handshakes for the same id cannot interleave their
// check-then-write sequences. Several master worker processes may
// still share one PKI directory; across processes writes are
// last-writer-wins, which is acceptable because every transition is
// idempotent for matching keys and a mismatched key only ever adds a
// denied record.
type FS struct {
	mu  sync.Mutex
	dir string
}

// NewFS opens (creating if needed) a filesystem key store rooted at
// pkiDir.
func NewFS(pkiDir string) (*FS, error) {
	for _, sub := range []string{acceptedDir, pendingDir, rejectedDir, deniedDir} {
		if err := os.MkdirAll(filepath.Join(pkiDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("keystore: creating %s: %w", sub, err)
		}
	}
	return &FS{dir: pkiDir}, nil
}

// Dir returns the PKI root this store operates on.
func (s *FS) Dir() string { return s.dir }

func (s *FS) statePath(id string, state State) (string, error) {
	if !minionid.Valid(id) {
		return "", fmt.Errorf("keystore: invalid minion id %q", id)
	}
	var sub string
	switch state {
	case StateAccepted:
		sub = acceptedDir
	case StatePending:
		sub = pendingDir
	case StateRejected:
		sub = rejectedDir
	case StateDenied:
		sub = deniedDir
	default:
		return "", fmt.Errorf("keystore: no directory for state %v", state)
	}
	return filepath.Join(s.dir, sub, id), nil
}

// Status implements Store. Precedence: rejected > accepted > pending.
func (s *FS) Status(id string) (State, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(id)
}

func (s *FS) statusLocked(id string) (State, string, error) {
	for _, state := range []State{StateRejected, StateAccepted, StatePending} {
		key, err := s.readLocked(id, state)
		switch {
		case err == nil:
			return state, key, nil
		case os.IsNotExist(err):
			continue
		default:
			return StateUnknown, "", err
		}
	}
	return StateUnknown, "", nil
}

// Key implements Store.
func (s *FS) Key(id string, state State) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.readLocked(id, state)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s (%s)", ErrNotFound, id, state)
	}
	return key, err
}

func (s *FS) readLocked(id string, state State) (string, error) {
	path, err := s.statePath(id, state)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		// A directory where a key file belongs is never legitimate;
		// treat it as corruption rather than an absent key.
		return "", fmt.Errorf("keystore: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FS) writeLocked(id, key string, state State) error {
	path, err := s.statePath(id, state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return fmt.Errorf("keystore: writing %s key for %s: %w", state, id, err)
	}
	return nil
}

func (s *FS) removeLocked(id string, state State) error {
	path, err := s.statePath(id, state)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: removing %s key for %s: %w", state, id, err)
	}
	return nil
}

// Pend implements Store.
func (s *FS) Pend(id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(id, key, StatePending)
}

// Accept implements Store.
func (s *FS) Accept(id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(id, key, StateAccepted); err != nil {
		return err
	}
	return s.removeLocked(id, StatePending)
}

// Reject implements Store. The pending file removal is best-effort:
// the rejection itself must not depend on housekeeping succeeding.
// Callers log the returned cleanup error, if any, and proceed.
func (s *FS) Reject(id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(id, key, StateRejected); err != nil {
		return err
	}
	return s.removeLocked(id, StatePending)
}

// Deny implements Store.
func (s *FS) Deny(id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(id, key, StateDenied)
}

// RemovePending implements Store.
func (s *FS) RemovePending(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id, StatePending)
}

// Delete implements Store.
func (s *FS) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range []State{StateAccepted, StatePending, StateRejected, StateDenied} {
		if err := s.removeLocked(id, state); err != nil {
			return err
		}
	}
	return nil
}

// List implements Store.
func (s *FS) List(state State) ([]string, error) {
	path, err := s.statePath("placeholder", state)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("keystore: listing %s: %w", state, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
