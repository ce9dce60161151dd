// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/config"
	"github.com/muster-project/muster/lib/eventbus"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/minionid"
	"github.com/muster-project/muster/lib/secret"
)

// PublishTransport is the network side of the publish channel.
type PublishTransport interface {
	// Publish hands a serialized job to the publish daemon.
	Publish(load []byte) error

	// PublishPayload delivers a wrapped envelope to subscribers. A
	// nil topics slice broadcasts; a non-nil slice (even empty)
	// restricts delivery to subscribers of the named topics.
	PublishPayload(payload []byte, topics []string) error

	// TopicSupport reports whether the transport can deliver to a
	// subset of subscribers. Without it every publish broadcasts.
	TopicSupport() bool

	Close() error
}

// PublishServerConfig wires a PublishServer. Transport, Keys, Secret,
// and Store are required; Verifier is required when presence tracking
// is used.
type PublishServerConfig struct {
	Config    config.Config
	Transport PublishTransport
	Keys      *masterkeys.Keys
	Secret    *secret.Shared

	// Store provides the accepted-minion candidate set for topic
	// narrowing.
	Store keystore.Store

	// Verifier authenticates presence registrations.
	Verifier MinionVerifier

	// Events receives presence events; nil discards.
	Events eventbus.Sink

	Logger *slog.Logger
}

// PublishServer wraps outbound jobs for the publish transport and
// tracks which minions hold live subscriptions.
type PublishServer struct {
	cfg       config.Config
	transport PublishTransport
	keys      *masterkeys.Keys
	store     keystore.Store
	verifier  MinionVerifier
	events    eventbus.Sink
	logger    *slog.Logger

	cipher secretCipher
	serial atomic.Uint64

	mu          sync.Mutex
	present     map[string]map[any]struct{}
	subscribers map[any]string

	closeOnce sync.Once
	closeErr  error
}

// NewPublishServer validates the wiring and returns a ready server.
func NewPublishServer(c PublishServerConfig) (*PublishServer, error) {
	if c.Transport == nil {
		return nil, fmt.Errorf("channel: PublishServerConfig.Transport is required")
	}
	if c.Keys == nil {
		return nil, fmt.Errorf("channel: PublishServerConfig.Keys is required")
	}
	if c.Secret == nil {
		return nil, fmt.Errorf("channel: PublishServerConfig.Secret is required")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("channel: PublishServerConfig.Store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = eventbus.Discard
	}
	return &PublishServer{
		cfg:         c.Config,
		transport:   c.Transport,
		keys:        c.Keys,
		store:       c.Store,
		verifier:    c.Verifier,
		events:      c.Events,
		logger:      c.Logger,
		cipher:      secretCipher{shared: c.Secret},
		present:     make(map[string]map[any]struct{}),
		subscribers: make(map[any]string),
	}, nil
}

// Publish hands a job load to the transport's publish daemon.
func (p *PublishServer) Publish(load map[string]any) error {
	blob, err := codec.Marshal(load)
	if err != nil {
		return fmt.Errorf("channel: encoding publish load: %w", err)
	}
	return p.transport.Publish(blob)
}

// WrappedPayload is a job prepared for delivery: the serialized
// encrypted envelope plus the narrowed recipient set, when one could
// be computed.
type WrappedPayload struct {
	// Payload is the serialized envelope handed to subscribers.
	Payload []byte

	// Topics is the narrowed recipient id list. Meaningful only
	// when HasTopics is true; an empty list then means nobody
	// matched.
	Topics    []string
	HasTopics bool
}

// WrapPayload prepares a job load for the wire: stamps a serial,
// compresses per config, encrypts under the shared secret, optionally
// signs the ciphertext, and narrows the recipient set when the
// transport and target type allow it.
func (p *PublishServer) WrapPayload(load map[string]any) (*WrappedPayload, error) {
	load["serial"] = p.serial.Add(1)
	plain, err := codec.Marshal(load)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding job load: %w", err)
	}
	compressed, err := compressLoad(p.cfg.PublishCompression, plain)
	if err != nil {
		return nil, err
	}
	ciphertext, err := p.cipher.seal(compressed)
	if err != nil {
		return nil, fmt.Errorf("channel: encrypting job load: %w", err)
	}

	envelope := map[string]any{"enc": EncAES, "load": ciphertext}
	if p.cfg.SignPubMessages {
		sig, err := p.keys.Sign(ciphertext, p.cfg.PublishSigningAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("channel: signing job load: %w", err)
		}
		envelope["sig"] = sig
	}
	payload, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("channel: encoding job envelope: %w", err)
	}
	wrapped := &WrappedPayload{Payload: payload}

	tgtType := asString(load["tgt_type"])
	if p.transport.TopicSupport() && minionid.Narrowable(tgtType) {
		topics, err := p.resolveTopics(tgtType, load["tgt"])
		if err != nil {
			// Deliverability beats precision: fall back to broadcast
			// rather than dropping the job.
			p.logger.Warn("cannot narrow publish target, broadcasting", "tgt_type", tgtType, "error", err)
		} else {
			wrapped.Topics = topics
			wrapped.HasTopics = true
		}
	}
	return wrapped, nil
}

// PublishPayload wraps a job load and forwards it to subscribers,
// narrowed when possible.
func (p *PublishServer) PublishPayload(load map[string]any) error {
	wrapped, err := p.WrapPayload(load)
	if err != nil {
		return err
	}
	var topics []string
	if wrapped.HasTopics {
		topics = wrapped.Topics
		if topics == nil {
			topics = []string{}
		}
	}
	return p.transport.PublishPayload(wrapped.Payload, topics)
}

// resolveTopics computes the concrete recipient ids for a narrowable
// target: the literal list for list targets, matcher-resolved ids
// against the accepted key set for glob and pcre.
func (p *PublishServer) resolveTopics(tgtType string, tgt any) ([]string, error) {
	switch minionid.TargetType(tgtType) {
	case minionid.TargetList:
		list, ok := toStringList(tgt)
		if !ok {
			return nil, fmt.Errorf("channel: list target is not a string list")
		}
		return list, nil
	default:
		expression := asString(tgt)
		candidates, err := p.store.List(keystore.StateAccepted)
		if err != nil {
			return nil, fmt.Errorf("channel: enumerating accepted minions: %w", err)
		}
		return minionid.Resolve(minionid.TargetType(tgtType), expression, nil, candidates)
	}
}

// PresenceCallback registers a subscriber connection under the minion
// id it proves with an encrypted identification message. Presence
// events fire only when the minion goes from absent to present, not
// per duplicate connection.
func (p *PublishServer) PresenceCallback(subscriber any, msg map[string]any) {
	if asString(msg["enc"]) != EncAES {
		p.logger.Debug("ignoring unencrypted presence message")
		return
	}
	ciphertext, ok := asBytes(msg["load"])
	if !ok {
		p.logger.Debug("presence message load is not bytes")
		return
	}
	plain, err := p.cipher.open(ciphertext)
	if err != nil {
		p.logger.Warn("cannot decrypt presence message", "error", err)
		return
	}
	load, err := decodeLoadBytes(plain)
	if err != nil {
		p.logger.Warn("presence message is not valid cbor", "error", err)
		return
	}
	id := asString(load["id"])
	tok, _ := asBytes(load["tok"])
	if p.verifier == nil || !p.verifier.VerifyMinion(id, tok) {
		p.logger.Warn("presence registration failed verification", "id", id)
		return
	}

	p.mu.Lock()
	connections := p.present[id]
	first := len(connections) == 0
	if connections == nil {
		connections = make(map[any]struct{})
		p.present[id] = connections
	}
	connections[subscriber] = struct{}{}
	p.subscribers[subscriber] = id
	p.mu.Unlock()

	if first {
		p.logger.Debug("minion present on publish channel", "id", id)
		p.firePresenceChange([]string{id}, nil)
	}
}

// RemovePresenceCallback drops one subscriber connection. Idempotent:
// unknown subscribers and repeated removals are no-ops. A lost event
// fires only when the minion's last connection drops.
func (p *PublishServer) RemovePresenceCallback(subscriber any) {
	p.mu.Lock()
	id, ok := p.subscribers[subscriber]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subscribers, subscriber)
	connections := p.present[id]
	delete(connections, subscriber)
	last := len(connections) == 0
	if last {
		delete(p.present, id)
	}
	p.mu.Unlock()

	if last {
		p.logger.Debug("minion absent from publish channel", "id", id)
		p.firePresenceChange(nil, []string{id})
	}
}

// PresentIDs returns the minions currently holding at least one
// subscription, sorted.
func (p *PublishServer) PresentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.present))
	for id := range p.present {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// firePresenceChange emits the edge event plus a full presence
// snapshot, when presence events are enabled.
func (p *PublishServer) firePresenceChange(added, lost []string) {
	if !p.cfg.PresenceEvents {
		return
	}
	if added == nil {
		added = []string{}
	}
	if lost == nil {
		lost = []string{}
	}
	p.events.Fire("presence/change", map[string]any{"new": added, "lost": lost})
	p.events.Fire("presence/present", map[string]any{"present": p.PresentIDs()})
}

// Close releases the transport. Idempotent.
func (p *PublishServer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.transport.Close()
	})
	return p.closeErr
}

// toStringList normalizes a target list that may arrive as []string
// in-process or []any off the wire.
func toStringList(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, element := range v {
			s, ok := element.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
