// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

// Envelope encryption modes on the request channel.
const (
	// EncClear is an unencrypted payload; only the auth handshake
	// is accepted clear.
	EncClear = "clear"
	// EncAES is a payload sealed under the shared secret or, for
	// protocol version 3+, the sender's session key. The name is
	// historical wire vocabulary; the cipher is XChaCha20-Poly1305.
	EncAES = "aes"
	// EncPub marks an auth success reply whose secrets are sealed
	// to the minion's public key.
	EncPub = "pub"
)

// BadLoad is the reply for any payload that fails decoding or
// validation. Old minions match this exact string, so it is part of
// the wire protocol.
const BadLoad = "bad load"

// Reply strings for dispatch failures. Like BadLoad these are
// protocol constants, not log messages.
const (
	replyHandlerFailure = "error handling minion payload"
	replyServerFailure  = "server-side error handling payload"
)

// RejectKind classifies why a request was refused. The wire carries
// only the legacy sentinel strings; the kind drives logging and lets
// in-process callers distinguish failure classes.
type RejectKind int

const (
	// RejectMalformed is a payload of the wrong shape.
	RejectMalformed RejectKind = iota
	// RejectDecrypt is a payload that failed authentication or
	// decryption.
	RejectDecrypt
	// RejectStale is a request older than the configured TTL.
	RejectStale
	// RejectIdentity is an id mismatch, invalid id syntax, or
	// failed token validation.
	RejectIdentity
	// RejectInternal is an unexpected server-side failure.
	RejectInternal
)

func (k RejectKind) String() string {
	switch k {
	case RejectMalformed:
		return "malformed"
	case RejectDecrypt:
		return "decrypt"
	case RejectStale:
		return "stale"
	case RejectIdentity:
		return "identity"
	case RejectInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// sealedReply is the plaintext structure sealed into an encrypted
// reply: the caller's return value plus the request nonce so the
// minion can correlate and replay-check the response.
type sealedReply struct {
	Nonce string `cbor:"nonce,omitempty"`
	Load  any    `cbor:"load"`
}

// ReplyMode selects how a dispatched request's return value is
// encoded. It is a closed set: the handler picks one of the three
// constructors and the encoder switches over them exhaustively.
type ReplyMode int

const (
	// ReplySend encrypts the return under the requester's session
	// key (protocol v3+) or the shared secret.
	ReplySend ReplyMode = iota
	// ReplySendClear returns the value unencrypted.
	ReplySendClear
	// ReplySendPrivate encrypts the return under a fresh one-off
	// key sealed to a specific minion's stored public key.
	ReplySendPrivate
)

// ReplyOptions is produced by the payload handler alongside its
// return value.
type ReplyOptions struct {
	Mode ReplyMode

	// DictKey is the field name the sealed private payload is
	// stored under. ReplySendPrivate only.
	DictKey string

	// Target is the minion whose stored public key seals the
	// one-off key. ReplySendPrivate only.
	Target string
}

// asInt normalizes the integer types the CBOR decoder can produce
// for an any-typed target.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// asString returns the string value of a load field, or "" when the
// field is absent or not a string.
func asString(value any) string {
	s, _ := value.(string)
	return s
}

// asBytes accepts both []byte and string for fields that carry raw
// bytes; CBOR from well-behaved minions produces []byte.
func asBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
