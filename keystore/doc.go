// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore is the minion public key trust store.
//
// Every minion's key sits in exactly one of four trust states:
// pending (submitted, awaiting an operator or auto-sign decision),
// accepted (trusted for requests and publishes), rejected (refused;
// further handshakes fail fast), or denied (a key that conflicted
// with an already-stored key — the canonical signal of an
// impersonation attempt). A denial records the offending key without
// disturbing the stored one, so an operator can inspect both.
//
// State transitions happen in two places only: the auth handshake
// (pend, auto-sign accept, auto-reject, deny) and the muster-key CLI
// (accept, reject, delete). The Store interface makes each transition
// a single operation so the concurrent same-id handshake case is
// serialized inside the store instead of interleaving inline file
// checks.
package keystore
