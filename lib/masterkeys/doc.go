// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package masterkeys manages the master's long-lived keypairs.
//
// The master holds two keys, plus an optional third:
//
//   - An age X25519 identity. Minions seal their challenge tokens to
//     it, and the master seals the shared secret and session keys to
//     each minion's own age public key during the auth handshake.
//   - An Ed25519 signing key. It signs clear auth replies, the digest
//     of the shared secret attached to every successful handshake, and
//     publish ciphertexts when publish signing is enabled.
//   - An optional dedicated attestation key. When configured, the
//     master's public key text is signed with this key and the
//     signature is attached to auth replies, so minions that pin the
//     attestation key can detect a swapped master key.
//
// Minions are identified by their age public key alone ("age1..." on
// one line); the trust store holds that text verbatim.
package masterkeys
