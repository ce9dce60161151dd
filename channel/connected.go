// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"slices"
	"sync"
)

// ConnectedSet tracks which minion ids are currently connected, for
// the max_minions admission check. The request server adds an id on
// every successful handshake; eviction policy belongs to the
// implementation.
type ConnectedSet interface {
	// Add records id as connected. Idempotent.
	Add(id string)

	// Snapshot returns the connected ids in no particular order.
	Snapshot() []string
}

// MemoryConnected is the in-process ConnectedSet used when con_cache
// is enabled. Without it the request server falls back to enumerating
// accepted keys on every handshake, which gets expensive on large
// fleets.
type MemoryConnected struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewMemoryConnected returns an empty set.
func NewMemoryConnected() *MemoryConnected {
	return &MemoryConnected{ids: make(map[string]struct{})}
}

// Add records id as connected.
func (c *MemoryConnected) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[id] = struct{}{}
}

// Remove forgets id. The publish channel calls this when a minion's
// last subscription drops.
func (c *MemoryConnected) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

// Snapshot returns the connected ids, sorted for stable output.
func (c *MemoryConnected) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
