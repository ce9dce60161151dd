// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package masterkeys

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a short human-comparable digest of a public key
// text: the first 16 bytes of its BLAKE3 hash as colon-separated hex
// pairs. Whitespace differences do not change the fingerprint.
func Fingerprint(keyText string) string {
	sum := blake3.Sum256([]byte(CleanKey(keyText)))
	encoded := hex.EncodeToString(sum[:16])
	pairs := make([]string, 0, len(encoded)/2)
	for i := 0; i < len(encoded); i += 2 {
		pairs = append(pairs, encoded[i:i+2])
	}
	return strings.Join(pairs, ":")
}
