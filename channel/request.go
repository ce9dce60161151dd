// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/autokey"
	"github.com/muster-project/muster/lib/clock"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/config"
	"github.com/muster-project/muster/lib/eventbus"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/minionid"
	"github.com/muster-project/muster/lib/secret"
)

// Reply strings for structurally broken decrypted payloads. Like
// BadLoad, old minions match these.
const (
	replyNotMapping = "payload and load must be a map"
	replyNulByteID  = "bad load: id contains a null byte"
)

// PayloadHandler services a validated request. payload is the full
// request map with "load" replaced by the decrypted load map. The
// returned value is encoded per the ReplyOptions; a returned error is
// logged and collapses to a generic failure string on the wire.
type PayloadHandler func(ctx context.Context, payload map[string]any) (any, ReplyOptions, error)

// RequestServerConfig wires a RequestServer. Store, Keys, Secret, and
// Handler are required; the rest default from Config.
type RequestServerConfig struct {
	Config config.Config

	// Store is the minion key trust store. On a clustered master
	// this must be backed by cluster_pki_dir.
	Store keystore.Store

	Keys   *masterkeys.Keys
	Secret *secret.Shared

	// Sessions defaults to a manager under Config.CacheDir.
	Sessions *SessionManager

	// Policy defaults to one built from Config's autosign keys.
	Policy *autokey.Policy

	// Connected backs the max_minions check. Nil falls back to
	// enumerating accepted keys per handshake.
	Connected ConnectedSet

	// Events receives auth events; nil discards.
	Events eventbus.Sink

	Clock   clock.Clock
	Logger  *slog.Logger
	Handler PayloadHandler
}

// RequestServer terminates minion RPCs: it authenticates handshakes,
// decrypts and validates established minions' requests, dispatches
// them, and encodes the reply.
//
// HandleMessage and Auth are total: any failure, from malformed bytes
// to filesystem errors, becomes a well-formed reply value. Nothing
// propagates an error or panic back to the transport.
type RequestServer struct {
	cfg       config.Config
	store     keystore.Store
	keys      *masterkeys.Keys
	sessions  *SessionManager
	policy    *autokey.Policy
	connected ConnectedSet
	events    eventbus.Sink
	clock     clock.Clock
	logger    *slog.Logger
	handler   PayloadHandler
	tokens    TokenValidator

	cipher secretCipher

	conAdvice sync.Once
}

// NewRequestServer validates the wiring and returns a ready server.
func NewRequestServer(c RequestServerConfig) (*RequestServer, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("channel: RequestServerConfig.Store is required")
	}
	if c.Keys == nil {
		return nil, fmt.Errorf("channel: RequestServerConfig.Keys is required")
	}
	if c.Secret == nil {
		return nil, fmt.Errorf("channel: RequestServerConfig.Secret is required")
	}
	if c.Handler == nil {
		return nil, fmt.Errorf("channel: RequestServerConfig.Handler is required")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = eventbus.Discard
	}
	if c.Sessions == nil {
		sessions, err := NewSessionManager(c.Config.CacheDir, c.Config.PublishSession(), c.Clock)
		if err != nil {
			return nil, err
		}
		c.Sessions = sessions
	}
	if c.Policy == nil {
		c.Policy = &autokey.Policy{
			AutoAccept:     c.Config.AutoAccept,
			AutosignFile:   c.Config.AutosignFile,
			AutorejectFile: c.Config.AutorejectFile,
			GrainsDir:      c.Config.AutosignGrainsDir,
			Logger:         c.Logger,
		}
	}
	return &RequestServer{
		cfg:       c.Config,
		store:     c.Store,
		keys:      c.Keys,
		sessions:  c.Sessions,
		policy:    c.Policy,
		connected: c.Connected,
		events:    c.Events,
		clock:     c.Clock,
		logger:    c.Logger,
		handler:   c.Handler,
		tokens:    TokenValidator{Keys: c.Keys, Store: c.Store},
		cipher:    secretCipher{shared: c.Secret},
	}, nil
}

// Sessions exposes the session key manager, mainly so the daemon can
// share it with diagnostics tooling.
func (s *RequestServer) Sessions() *SessionManager { return s.sessions }

// HandleMessage services one request from the transport. payload is
// the decoded wire value; the return value is the reply to send back.
func (s *RequestServer) HandleMessage(ctx context.Context, payload any) (reply any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling minion payload", "panic", r)
			reply = replyServerFailure
		}
	}()

	msg, ok := payload.(map[string]any)
	if !ok {
		return BadLoad
	}
	enc, ok := msg["enc"].(string)
	if !ok {
		return BadLoad
	}
	if _, ok := msg["load"]; !ok {
		return BadLoad
	}
	version, _ := asInt(msg["version"])

	load, ok := s.decodeLoad(msg, enc, version)
	if !ok {
		return BadLoad
	}
	if load == nil {
		return replyNotMapping
	}
	if strings.Contains(asString(load["id"]), "\x00") {
		s.logger.Error("payload contains a null byte in its id", "kind", RejectMalformed)
		return replyNulByteID
	}
	msg["load"] = load

	if enc == EncClear && asString(load["cmd"]) == "_auth" {
		return s.Auth(load, version > 1)
	}

	var nonce string
	if version > 1 {
		nonce = asString(load["nonce"])
		delete(load, "nonce")
	}

	if enc == EncAES {
		if version > 2 {
			if !s.validateFreshness(msg, load) {
				return BadLoad
			}
			if !s.validateToken(load, true) {
				s.logger.Warn("request failed token validation",
					"id", asString(load["id"]), "kind", RejectIdentity)
				return BadLoad
			}
		} else if _, hasTok := load["tok"]; hasTok {
			if !s.validateToken(load, false) {
				s.logger.Warn("request failed token validation",
					"id", asString(load["id"]), "kind", RejectIdentity)
				return BadLoad
			}
		}
	}

	ret, opts, err := s.handler(ctx, msg)
	if err != nil {
		s.logger.Error("handler failed servicing minion payload",
			"cmd", asString(load["cmd"]), "error", err, "kind", RejectInternal)
		return replyHandlerFailure
	}
	return s.encodeReply(msg, load, ret, opts, nonce, version)
}

// decodeLoad resolves the wire load to a map: decrypting for aes,
// type-asserting for clear. Returns (nil, true) when the load is
// well-formed bytes that decode to something other than a map, and
// (nil, false) for everything that should answer "bad load".
func (s *RequestServer) decodeLoad(msg map[string]any, enc string, version int) (map[string]any, bool) {
	switch enc {
	case EncAES:
		ciphertext, ok := asBytes(msg["load"])
		if !ok {
			return nil, false
		}
		var plain []byte
		var err error
		if version > 2 {
			id := asString(msg["id"])
			if !minionid.Valid(id) {
				s.logger.Warn("request envelope carries an invalid minion id",
					"id", id, "kind", RejectIdentity)
				return nil, false
			}
			crypt, cerr := s.sessions.Crypticle(id)
			if cerr != nil {
				s.logger.Error("cannot derive session crypticle", "id", id, "error", cerr)
				return nil, false
			}
			plain, err = crypt.Open(ciphertext)
		} else {
			plain, err = s.cipher.open(ciphertext)
		}
		if err != nil {
			s.logger.Warn("could not decrypt request", "error", err, "kind", RejectDecrypt)
			return nil, false
		}
		load, err := decodeLoadBytes(plain)
		if err != nil {
			s.logger.Warn("decrypted request is not valid cbor", "error", err, "kind", RejectMalformed)
			return nil, false
		}
		return load, true

	case EncClear:
		load, ok := msg["load"].(map[string]any)
		if !ok {
			return nil, true
		}
		return load, true

	default:
		// "pub" is reply-only; anything else is no encryption mode
		// at all. Either way the request is malformed.
		s.logger.Warn("request envelope carries an unsupported enc mode",
			"enc", enc, "kind", RejectMalformed)
		return nil, false
	}
}

// validateFreshness enforces the v3 ttl and sender checks: the load's
// timestamp must be within request_server_ttl of now (when a ttl is
// configured), and the envelope id must match the authenticated load
// id and pass syntax validation.
func (s *RequestServer) validateFreshness(msg, load map[string]any) bool {
	if ttl := s.cfg.RequestServerTTL(); ttl > 0 {
		ts, ok := asFloat(load["ts"])
		if !ok {
			s.logger.Warn("request missing timestamp", "kind", RejectStale)
			return false
		}
		now := float64(s.clock.Now().UnixNano()) / 1e9
		if now-ts > ttl.Seconds() {
			s.logger.Warn("request timestamp outside ttl window",
				"id", asString(load["id"]), "age_seconds", now-ts, "kind", RejectStale)
			return false
		}
	}
	id := asString(load["id"])
	if asString(msg["id"]) != id || !minionid.Valid(id) {
		s.logger.Warn("request envelope id does not match authenticated load id",
			"envelope_id", asString(msg["id"]), "load_id", id, "kind", RejectIdentity)
		return false
	}
	return true
}

// validateToken pops tok from the load (it must never reach the
// handler) and verifies it. With required=false a load without a
// token or id passes; a present-but-invalid token always fails.
func (s *RequestServer) validateToken(load map[string]any, required bool) bool {
	tokRaw, hasTok := load["tok"]
	delete(load, "tok")
	id := asString(load["id"])
	if !hasTok || id == "" {
		return !required
	}
	tok, ok := asBytes(tokRaw)
	if !ok {
		return false
	}
	return s.tokens.VerifyMinion(id, tok)
}

// encodeReply encodes the handler's return value per the reply mode.
func (s *RequestServer) encodeReply(msg, load map[string]any, ret any, opts ReplyOptions, nonce string, version int) any {
	switch opts.Mode {
	case ReplySendClear:
		return ret

	case ReplySend:
		plain, err := codec.Marshal(sealedReply{Nonce: nonce, Load: ret})
		if err != nil {
			s.logger.Error("cannot encode reply", "error", err, "kind", RejectInternal)
			return replyServerFailure
		}
		var sealed []byte
		if version > 2 {
			crypt, cerr := s.sessions.Crypticle(asString(load["id"]))
			if cerr != nil {
				s.logger.Error("cannot derive session crypticle for reply",
					"id", asString(load["id"]), "error", cerr, "kind", RejectInternal)
				return replyServerFailure
			}
			sealed, err = crypt.Seal(plain)
		} else {
			sealed, err = s.cipher.seal(plain)
		}
		if err != nil {
			s.logger.Error("cannot encrypt reply", "error", err, "kind", RejectInternal)
			return replyServerFailure
		}
		return sealed

	case ReplySendPrivate:
		encAlgo := asString(msg["enc_algo"])
		if encAlgo == "" {
			encAlgo = masterkeys.EncAlgoX25519
		}
		sigAlgo := asString(msg["sig_algo"])
		if sigAlgo == "" {
			sigAlgo = masterkeys.SigAlgoEd25519
		}
		return s.encryptPrivate(ret, opts.DictKey, opts.Target, nonce, version > 1, encAlgo, sigAlgo)

	default:
		s.logger.Error("handler returned an unknown reply mode", "mode", int(opts.Mode))
		return replyServerFailure
	}
}

func decodeLoadBytes(data []byte) (map[string]any, error) {
	var load map[string]any
	if err := codec.Unmarshal(data, &load); err != nil {
		return nil, err
	}
	return load, nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		n, ok := asInt(value)
		return float64(n), ok
	}
}
