// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package minionid validates minion identifiers and resolves publish
// targets to concrete minion id lists.
//
// A minion id doubles as a filename in the PKI directory, so syntax
// validation is a security boundary: an id that smuggles path
// separators or NUL bytes could read or write key files outside its
// own slot. Validate rejects anything that is not a plain, flat
// filename-safe identifier.
package minionid
