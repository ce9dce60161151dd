// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries Muster's two channels over the network.
//
// The channel package treats transports as injected collaborators; this
// package provides the reference TCP implementation:
//
//   - frame.go: wire format, length-prefixed CBOR frames
//   - reqserver.go: request/reply server for the request channel
//   - client.go: request client, used by tooling and tests
//   - pubserver.go: publish fan-out with per-subscriber topic filtering
//
// Fleets needing brokered delivery can swap in another implementation
// of the same contracts without touching the channel layer.
package transport
