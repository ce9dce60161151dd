// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/muster-project/muster/lib/clock"
	"github.com/muster-project/muster/lib/crypter"
	"github.com/muster-project/muster/lib/minionid"
)

// SessionManager hands out rotating per-minion symmetric keys. Keys
// live in one file per minion under <cachedir>/sessions and rotate
// when the file is older than the configured lifetime.
//
// Several master workers may regenerate the same minion's key
// concurrently; the write is an atomic rename, so the race resolves
// to last-writer-wins and every reader re-reads the installed file.
// Correctness comes from regeneration being idempotent, not from
// cross-process locking.
type SessionManager struct {
	dir      string
	lifetime time.Duration
	clock    clock.Clock

	mu    sync.Mutex
	cache map[string]sessionEntry
}

type sessionEntry struct {
	mtime time.Time
	key   []byte
}

// NewSessionManager creates the sessions directory under cacheDir if
// needed. lifetime is the key rotation interval.
func NewSessionManager(cacheDir string, lifetime time.Duration, clk clock.Clock) (*SessionManager, error) {
	if lifetime <= 0 {
		return nil, fmt.Errorf("channel: session lifetime must be positive, got %v", lifetime)
	}
	if clk == nil {
		clk = clock.Real()
	}
	dir := filepath.Join(cacheDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("channel: creating session directory: %w", err)
	}
	return &SessionManager{
		dir:      dir,
		lifetime: lifetime,
		clock:    clk,
		cache:    make(map[string]sessionEntry),
	}, nil
}

// Key returns the minion's current session key, rotating it when the
// on-disk file has aged past the lifetime.
func (m *SessionManager) Key(id string) ([]byte, error) {
	if !minionid.Valid(id) {
		return nil, fmt.Errorf("channel: invalid minion id %q", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if entry, ok := m.cache[id]; ok && now.Sub(entry.mtime) < m.lifetime {
		return entry.key, nil
	}

	path := filepath.Join(m.dir, id)
	info, err := os.Stat(path)
	switch {
	case err == nil && now.Sub(info.ModTime()) < m.lifetime:
		// Fresh file written by another worker; adopt it.
	case err == nil || os.IsNotExist(err):
		if err := crypter.WriteKeyFile(path); err != nil {
			return nil, fmt.Errorf("channel: rotating session key for %s: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("channel: checking session key for %s: %w", id, err)
	}

	info, err = os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("channel: re-reading session key for %s: %w", id, err)
	}
	key, err := crypter.ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	m.cache[id] = sessionEntry{mtime: info.ModTime(), key: key}
	return key, nil
}

// Crypticle returns a cipher over the minion's current session key.
func (m *SessionManager) Crypticle(id string) (*crypter.Crypticle, error) {
	key, err := m.Key(id)
	if err != nil {
		return nil, err
	}
	return crypter.New(key)
}
