// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/crypter"
	"github.com/muster-project/muster/lib/masterkeys"
)

// encryptPrivate encodes a reply only the target minion can read: the
// return value is sealed under a fresh one-off symmetric key, and that
// key is sealed to the target's stored public key. Used for payloads
// like pillar data that must not be readable under the fleet-wide
// shared secret.
//
// Fails soft: every failure returns an {"error": ...} map rather than
// an error, mirroring the rest of the reply path.
func (s *RequestServer) encryptPrivate(ret any, dictKey, target, nonce string, signMessages bool, encAlgo, sigAlgo string) any {
	minionKey, err := s.store.Key(target, keystore.StateAccepted)
	if err != nil {
		s.logger.Error("no accepted key for private reply target", "target", target, "error", err)
		return map[string]any{"error": "minion key not found"}
	}
	if _, err := masterkeys.ParseRecipient(minionKey); err != nil {
		s.logger.Error("corrupt public key for private reply target", "target", target, "error", err)
		return map[string]any{"error": "minion key not found"}
	}

	oneOff, err := crypter.GenerateKey()
	if err != nil {
		s.logger.Error("cannot generate one-off key", "error", err)
		return map[string]any{"error": "key generation failed"}
	}
	crypt, err := crypter.New(oneOff)
	if err != nil {
		s.logger.Error("cannot build one-off crypticle", "error", err)
		return map[string]any{"error": "key generation failed"}
	}

	sealedKey, err := masterkeys.SealTo(minionKey, oneOff, encAlgo)
	if err != nil {
		if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
			return map[string]any{"error": "bad enc algo"}
		}
		s.logger.Error("cannot seal one-off key", "target", target, "error", err)
		return map[string]any{"error": "encryption failed"}
	}
	pret := map[string]any{"key": sealedKey}

	// A false return still produces a decryptable envelope; the
	// minion distinguishes "nothing for you" from "could not answer".
	if b, ok := ret.(bool); ok && !b {
		ret = map[string]any{}
	}

	var plain []byte
	if signMessages {
		if nonce == "" {
			return map[string]any{"error": "nonce verification error"}
		}
		toSign, err := codec.Marshal(map[string]any{
			"key":   sealedKey,
			"load":  ret,
			"nonce": nonce,
		})
		if err != nil {
			s.logger.Error("cannot encode signed private reply", "error", err)
			return map[string]any{"error": "encryption failed"}
		}
		sig, err := s.keys.Sign(toSign, sigAlgo)
		if err != nil {
			if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
				return map[string]any{"error": "bad sig algo"}
			}
			s.logger.Error("cannot sign private reply", "error", err)
			return map[string]any{"error": "encryption failed"}
		}
		plain, err = codec.Marshal(map[string]any{"data": toSign, "sig": sig})
		if err != nil {
			s.logger.Error("cannot encode signed private reply", "error", err)
			return map[string]any{"error": "encryption failed"}
		}
	} else {
		var err error
		plain, err = codec.Marshal(ret)
		if err != nil {
			s.logger.Error("cannot encode private reply", "error", err)
			return map[string]any{"error": "encryption failed"}
		}
	}

	sealed, err := crypt.Seal(plain)
	if err != nil {
		s.logger.Error("cannot encrypt private reply", "error", err)
		return map[string]any{"error": "encryption failed"}
	}
	pret[dictKey] = sealed
	return pret
}
