// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Muster's standard CBOR encoding and decoding.
//
// Every wire envelope in Muster — request payloads, auth loads, publish
// envelopes, presence identification — is CBOR. Encoding uses Core
// Deterministic Encoding (RFC 8949 §4.2) so the same logical value always
// produces identical bytes; signatures over encoded payloads depend on
// this. Decoding accepts standard CBOR and ignores unknown fields for
// forward compatibility with newer minions.
package codec
