// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/minionid"
)

// TokenLiteral is the plaintext a minion seals to the master's public
// key to prove it holds the key the master distributed. The exact
// bytes are a protocol constant.
var TokenLiteral = []byte("muster")

// MinionVerifier checks that a claimed minion identity is backed by a
// valid challenge token. The publish channel uses it to gate presence
// registration.
type MinionVerifier interface {
	VerifyMinion(id string, tok []byte) bool
}

// TokenValidator verifies challenge tokens against the master keys
// and the minion key store. It implements MinionVerifier.
//
// The store must be the one accepted keys are validated against: the
// cluster-wide store on a clustered master, the local one otherwise.
type TokenValidator struct {
	Keys  *masterkeys.Keys
	Store keystore.Store
}

// VerifyMinion reports whether tok is a valid challenge token from an
// accepted minion named id. It returns false on any failure: bad id
// syntax, no accepted key, undecryptable token, or wrong plaintext.
func (v TokenValidator) VerifyMinion(id string, tok []byte) bool {
	if len(tok) == 0 || !minionid.Valid(id) {
		return false
	}
	if _, err := v.Store.Key(id, keystore.StateAccepted); err != nil {
		return false
	}
	plain, err := v.Keys.Unseal(tok, masterkeys.EncAlgoX25519)
	if err != nil {
		return false
	}
	return bytes.Equal(plain, TokenLiteral)
}
