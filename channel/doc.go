// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the master side of Muster's two secure
// channels.
//
// The request channel (RequestServer) terminates minion RPCs: it
// decodes the wire envelope, runs the trust-on-first-use auth
// handshake for new minions, decrypts and validates established
// minions' requests, dispatches them to the injected handler, and
// encrypts and signs the reply. The publish channel (PublishServer)
// wraps outbound jobs for the publish transport, narrows the
// recipient set server-side where the transport supports topics, and
// tracks which minions currently hold a live subscription.
//
// Both servers are total over well-typed input: malformed payloads,
// failed decrypts, and policy refusals all produce well-formed reply
// values, never errors or panics across the transport boundary.
package channel
