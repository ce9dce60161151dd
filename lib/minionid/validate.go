// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package minionid

import "strings"

// MaxLength is the longest accepted minion id. Matches common hostname
// limits; anything longer is either a mistake or an attack.
const MaxLength = 255

// Valid reports whether id is acceptable as a minion identifier.
//
// Rules: non-empty, at most MaxLength bytes, no NUL, no path
// separators, not "." or "..", and no leading whitespace or control
// characters. Ids are used verbatim as file names under pki_dir, so
// every rejection here closes a path traversal.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "\x00/\\") {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
