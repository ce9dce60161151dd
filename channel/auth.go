// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/minionid"
)

// secretTokenSeparator joins the shared secret and the decrypted
// challenge token in auth_mode 2+. Protocol constant.
var secretTokenSeparator = []byte("_|-")

// Auth runs the trust-establishment handshake for one minion. load is
// the clear auth request; signMessages (protocol v2+) wraps every
// reply, including failures, in a signed clear envelope.
//
// Every branch returns a well-formed reply. Key store failures,
// corrupt keys, and unsupported algorithms all degrade to refusals.
func (s *RequestServer) Auth(load map[string]any, signMessages bool) any {
	id := asString(load["id"])
	pub := asString(load["pub"])
	nonce := asString(load["nonce"])
	encAlgo := asString(load["enc_algo"])
	if encAlgo == "" {
		encAlgo = masterkeys.EncAlgoX25519
	}
	sigAlgo := asString(load["sig_algo"])
	if sigAlgo == "" {
		sigAlgo = masterkeys.SigAlgoEd25519
	}

	refuse := func() any {
		return s.authReply(map[string]any{"ret": false}, nonce, signMessages, sigAlgo)
	}

	if !minionid.Valid(id) {
		s.logger.Warn("authentication request with invalid id refused", "id", id)
		s.fireAuth(false, "", id, pub)
		return refuse()
	}

	if s.cfg.MaxMinions > 0 {
		connected := s.connectedIDs()
		if len(connected) >= s.cfg.MaxMinions && !slices.Contains(connected, id) {
			s.logger.Warn("minion authentication refused, too many minions connected",
				"id", id, "connected", len(connected), "max_minions", s.cfg.MaxMinions)
			s.fireAuth(false, "full", id, pub)
			return s.authReply(map[string]any{"ret": "full"}, nonce, signMessages, sigAlgo)
		}
	}

	autoReject := s.policy.CheckAutoReject(id)
	grains, _ := load["autosign_grains"].(map[string]any)
	autoSign := s.policy.CheckAutoSign(id, grains)

	state, storedKey, err := s.store.Status(id)
	if err != nil {
		s.logger.Error("cannot read key store during authentication", "id", id, "error", err)
		s.fireAuth(false, "", id, pub)
		return refuse()
	}

	if s.cfg.OpenMode {
		// Open mode overwrites whatever is stored, but an empty key
		// is never acceptable.
		if pub == "" {
			s.logger.Warn("minion sent an empty public key", "id", id)
			s.fireAuth(false, "", id, pub)
			return refuse()
		}
	} else {
		switch state {
		case keystore.StateRejected:
			s.logger.Info("public key rejected, minion will not be authenticated", "id", id)
			s.fireAuth(false, "rejected", id, pub)
			return refuse()

		case keystore.StateAccepted:
			if masterkeys.CleanKey(storedKey) != masterkeys.CleanKey(pub) {
				s.logger.Error("authentication attempt with a key that does not match the accepted key, recording as denied", "id", id)
				if err := s.store.Deny(id, pub); err != nil {
					s.logger.Error("cannot record denied key", "id", id, "error", err)
				}
				s.fireAuth(false, "denied", id, pub)
				return refuse()
			}
			// Trusted key resubmitted; continue to acceptance.

		case keystore.StateUnknown:
			if autoReject {
				if err := s.store.Reject(id, pub); err != nil {
					s.logger.Error("cannot record auto-rejected key", "id", id, "error", err)
				}
				s.logger.Info("new public key auto-rejected", "id", id)
				s.fireAuth(false, "reject", id, pub)
				return refuse()
			}
			if !autoSign {
				if err := s.store.Pend(id, pub); err != nil {
					s.logger.Error("cannot store pending key", "id", id, "error", err)
					s.fireAuth(false, "", id, pub)
					return refuse()
				}
				s.logger.Info("new public key placed in pending", "id", id)
				s.fireAuth(true, "pend", id, pub)
				return s.authReply(map[string]any{"ret": true}, nonce, signMessages, sigAlgo)
			}
			// Auto-sign a brand-new key; continue to acceptance.

		case keystore.StatePending:
			if autoReject {
				// Best-effort move of the previously submitted key;
				// the rejection itself must not be undone by a failed
				// cleanup, so the error is logged and swallowed.
				if err := s.store.Reject(id, storedKey); err != nil {
					s.logger.Warn("cannot move pending key to rejected", "id", id, "error", err)
				}
				s.logger.Info("pending public key auto-rejected", "id", id)
				s.fireAuth(false, "reject", id, pub)
				return refuse()
			}
			if masterkeys.CleanKey(storedKey) != masterkeys.CleanKey(pub) {
				s.logger.Error("authentication attempt with a key that does not match the pending key, recording as denied", "id", id)
				if err := s.store.Deny(id, pub); err != nil {
					s.logger.Error("cannot record denied key", "id", id, "error", err)
				}
				s.fireAuth(false, "denied", id, pub)
				return refuse()
			}
			if !autoSign {
				s.logger.Info("authentication request from pending minion", "id", id)
				s.fireAuth(true, "pend", id, pub)
				return s.authReply(map[string]any{"ret": true}, nonce, signMessages, sigAlgo)
			}
			// Auto-sign a matching pending key; continue to
			// acceptance, which clears the pending entry.

		default:
			s.logger.Error("minion key state unaccounted for", "id", id, "state", state.String())
			s.fireAuth(false, "", id, pub)
			return refuse()
		}
	}

	if state != keystore.StateAccepted || s.cfg.OpenMode {
		if err := s.store.Accept(id, pub); err != nil {
			s.logger.Error("cannot store accepted key", "id", id, "error", err)
			s.fireAuth(false, "", id, pub)
			return refuse()
		}
	}
	if s.connected != nil {
		s.connected.Add(id)
	}
	s.logger.Info("authentication accepted", "id", id)

	// Seal to the stored key, not the submitted one, so what was
	// audited is what is used.
	minionKey, err := s.store.Key(id, keystore.StateAccepted)
	if err != nil {
		s.logger.Error("accepted key unreadable after acceptance", "id", id, "error", err)
		return refuse()
	}
	if _, err := masterkeys.ParseRecipient(minionKey); err != nil {
		s.logger.Error("corrupt public key for minion", "id", id, "error", err)
		return refuse()
	}

	ret := map[string]any{
		"enc":          EncPub,
		"pub_key":      s.keys.PublicKey(),
		"publish_port": s.cfg.PublishPort,
	}
	if s.cfg.MasterSignPubKey {
		if sig := s.keys.AttestationSignature(); sig != nil {
			ret["pub_sig"] = sig
		}
	}

	// Current's slice is invalidated by the next rotation; everything
	// below works on a private copy.
	_, key := s.cipher.shared.Current()
	sharedKey := slices.Clone(key)

	// A failed token decrypt is not fatal: the minion simply gets no
	// echo (mode <2) or the plain secret (mode 2+).
	var mtoken []byte
	if token, ok := asBytes(load["token"]); ok {
		if plain, err := s.keys.Unseal(token, masterkeys.EncAlgoX25519); err == nil {
			mtoken = plain
		} else {
			s.logger.Warn("token decryption failed during authentication", "id", id, "error", err)
		}
	}

	aesPayload := sharedKey
	if s.cfg.AuthMode >= 2 {
		if mtoken != nil {
			aesPayload = bytes.Join([][]byte{sharedKey, secretTokenSeparator, mtoken}, nil)
		}
	} else if mtoken != nil {
		sealedToken, err := masterkeys.SealTo(minionKey, mtoken, encAlgo)
		if err != nil {
			if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
				return s.authReply(map[string]any{"ret": "bad enc algo"}, nonce, signMessages, sigAlgo)
			}
			s.logger.Error("cannot seal token echo", "id", id, "error", err)
			return refuse()
		}
		ret["token"] = sealedToken
	}

	sealedSecret, err := masterkeys.SealTo(minionKey, aesPayload, encAlgo)
	if err != nil {
		if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
			return s.authReply(map[string]any{"ret": "bad enc algo"}, nonce, signMessages, sigAlgo)
		}
		s.logger.Error("cannot seal shared secret", "id", id, "error", err)
		return refuse()
	}
	ret["aes"] = sealedSecret

	sessionKey, err := s.sessions.Key(id)
	if err != nil {
		s.logger.Error("cannot issue session key", "id", id, "error", err)
		return refuse()
	}
	sealedSession, err := masterkeys.SealTo(minionKey, sessionKey, encAlgo)
	if err != nil {
		if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
			return s.authReply(map[string]any{"ret": "bad enc algo"}, nonce, signMessages, sigAlgo)
		}
		s.logger.Error("cannot seal session key", "id", id, "error", err)
		return refuse()
	}
	ret["session"] = sealedSession

	// The sig field proves the secret came from a holder of the
	// master signing key even if the minion skipped key pinning.
	digest := sha256.Sum256(sharedKey)
	sig, err := s.keys.Sign([]byte(hex.EncodeToString(digest[:])), masterkeys.SigAlgoEd25519)
	if err != nil {
		s.logger.Error("cannot sign shared secret digest", "id", id, "error", err)
		return refuse()
	}
	ret["sig"] = sig

	s.fireAuth(true, "accept", id, pub)
	if signMessages {
		ret["nonce"] = nonce
		return s.clearSigned(ret, sigAlgo)
	}
	return ret
}

// authReply encodes a clear handshake outcome, signed when the
// protocol version mandates it.
func (s *RequestServer) authReply(load map[string]any, nonce string, signMessages bool, sigAlgo string) any {
	if signMessages {
		load["nonce"] = nonce
		return s.clearSigned(load, sigAlgo)
	}
	return map[string]any{"enc": EncClear, "load": load}
}

// clearSigned wraps load in a signed clear envelope: the load is
// serialized, signed, and shipped as bytes so the minion verifies
// exactly what it deserializes.
func (s *RequestServer) clearSigned(load map[string]any, sigAlgo string) any {
	blob, err := codec.Marshal(load)
	if err != nil {
		s.logger.Error("cannot encode signed clear reply", "error", err)
		return replyServerFailure
	}
	sig, err := s.keys.Sign(blob, sigAlgo)
	if err != nil {
		if errors.Is(err, masterkeys.ErrUnsupportedAlgorithm) {
			return map[string]any{"enc": EncClear, "load": map[string]any{"ret": "bad sig algo"}}
		}
		s.logger.Error("cannot sign clear reply", "error", err)
		return replyServerFailure
	}
	return map[string]any{"enc": EncClear, "load": blob, "sig": sig}
}

// fireAuth emits an auth event when auth_events is enabled.
func (s *RequestServer) fireAuth(result bool, act, id, pub string) {
	if !s.cfg.AuthEvents {
		return
	}
	data := map[string]any{"result": result, "id": id, "pub": pub}
	if act != "" {
		data["act"] = act
	}
	s.events.Fire("auth", data)
}

// connectedIDs returns the ids counted against max_minions: the
// connection cache when one is wired, otherwise a live enumeration of
// accepted keys.
func (s *RequestServer) connectedIDs() []string {
	if s.connected != nil {
		return s.connected.Snapshot()
	}
	ids, err := s.store.List(keystore.StateAccepted)
	if err != nil {
		s.logger.Error("cannot enumerate accepted keys for max_minions", "error", err)
		return nil
	}
	if len(ids) >= 1000 {
		s.conAdvice.Do(func() {
			s.logger.Warn("enumerating accepted keys on every handshake; enable con_cache for fleets this large",
				"accepted", len(ids))
		})
	}
	return ids
}
