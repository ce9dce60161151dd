// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import "errors"

// State is a minion key's trust state.
type State int

const (
	// StateUnknown means the store holds nothing for the id.
	StateUnknown State = iota
	// StatePending is a submitted key awaiting a decision.
	StatePending
	// StateAccepted is a trusted key.
	StateAccepted
	// StateRejected is a refused key.
	StateRejected
	// StateDenied is a conflicting key recorded for inspection.
	StateDenied
)

// String returns the state name used in CLI output and events.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when no key exists for an id in the queried
// state.
var ErrNotFound = errors.New("keystore: key not found")

// Store holds minion public keys by trust state.
//
// Lookup precedence for the handshake is rejected > accepted >
// pending: a rejected minion stays rejected even if stale files from
// earlier states linger. Denied keys are bookkeeping and never decide
// the handshake, so Status does not report StateDenied.
type Store interface {
	// Status returns the trust state that governs a handshake from
	// id, and the stored key for that state. StateUnknown (with an
	// empty key) means the id is new.
	Status(id string) (State, string, error)

	// Key returns the stored key text for id in the given state.
	Key(id string, state State) (string, error)

	// Pend stores a new minion's key as pending.
	Pend(id, key string) error

	// Accept stores key as accepted, removing any pending entry.
	Accept(id, key string) error

	// Reject stores key as rejected. If a pending entry exists it is
	// moved aside; a failure to remove the pending file does not
	// undo the rejection.
	Reject(id, key string) error

	// Deny records an offending key in the denied state. Existing
	// accepted or pending entries are left untouched.
	Deny(id, key string) error

	// RemovePending deletes the pending entry for id, if any.
	RemovePending(id string) error

	// Delete removes id from every state.
	Delete(id string) error

	// List returns the ids present in the given state, sorted.
	List(state State) ([]string, error)
}
