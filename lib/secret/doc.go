// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds the master's sensitive in-memory material.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close the
// memory is zeroed, unlocked, and unmapped. Because the region is
// invisible to the garbage collector, it is never copied or relocated,
// so closing the buffer really does destroy the secret.
//
// Shared wraps a Buffer with a version counter for the channel-wide
// publish secret. The secret rotates on a schedule owned by the daemon;
// the request and publish servers hold a *Shared and re-derive their
// crypticles when they observe a version bump, rather than comparing
// key bytes on every message. The window between rotation and a
// server's next observation is an accepted eventual-consistency gap:
// at most one decrypt fails and is retried against the fresh key.
package secret
