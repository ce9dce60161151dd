// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/clock"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/config"
	"github.com/muster-project/muster/lib/crypter"
	"github.com/muster-project/muster/lib/eventbus"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures fired events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordingSink) Fire(tag string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventbus.Event{Tag: tag, Data: data})
}

func (r *recordingSink) byTag(tag string) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, event := range r.events {
		if event.Tag == tag {
			out = append(out, event)
		}
	}
	return out
}

// testHandler is an injectable payload handler with a canned reply.
type testHandler struct {
	mu    sync.Mutex
	ret   any
	opts  ReplyOptions
	err   error
	panic bool
	calls []map[string]any
}

func (h *testHandler) handle(_ context.Context, payload map[string]any) (any, ReplyOptions, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panic {
		panic("handler exploded")
	}
	h.calls = append(h.calls, payload)
	return h.ret, h.opts, h.err
}

func (h *testHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *testHandler) lastCall() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) == 0 {
		return nil
	}
	return h.calls[len(h.calls)-1]
}

type testEnv struct {
	t       *testing.T
	cfg     config.Config
	store   *keystore.FS
	keys    *masterkeys.Keys
	shared  *secret.Shared
	clock   *clock.FakeClock
	events  *recordingSink
	handler *testHandler
	server  *RequestServer
}

// newTestEnv builds a request server over temp directories. mutate
// adjusts the config before construction; nil keeps defaults.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.PKIDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.AuthEvents = true
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	store, err := keystore.NewFS(cfg.MinionKeyDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	keys, err := masterkeys.Load(cfg.PKIDir, cfg.MasterSignPubKey, cfg.SigningKeyPass)
	if err != nil {
		t.Fatalf("masterkeys.Load: %v", err)
	}
	shared, err := secret.NewShared()
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	t.Cleanup(func() { shared.Close() })

	clk := clock.Fake(time.Now())
	sessions, err := NewSessionManager(cfg.CacheDir, cfg.PublishSession(), clk)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	env := &testEnv{
		t:       t,
		cfg:     cfg,
		store:   store,
		keys:    keys,
		shared:  shared,
		clock:   clk,
		events:  &recordingSink{},
		handler: &testHandler{ret: map[string]any{"ok": true}, opts: ReplyOptions{Mode: ReplySendClear}},
	}
	env.server, err = NewRequestServer(RequestServerConfig{
		Config:   cfg,
		Store:    store,
		Keys:     keys,
		Secret:   shared,
		Sessions: sessions,
		Events:   env.events,
		Clock:    clk,
		Logger:   testLogger(),
		Handler:  env.handler.handle,
	})
	if err != nil {
		t.Fatalf("NewRequestServer: %v", err)
	}
	return env
}

func newMinionIdentity(t *testing.T) *age.X25519Identity {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	return identity
}

// authLoad builds a minimal clear auth request.
func authLoad(id string, minion *age.X25519Identity) map[string]any {
	return map[string]any{
		"cmd":   "_auth",
		"id":    id,
		"pub":   minion.Recipient().String(),
		"nonce": "abc",
	}
}

// sealToken seals the challenge token literal to the master key, as a
// minion would during its handshake.
func (e *testEnv) sealToken() []byte {
	e.t.Helper()
	recipient, _, err := masterkeys.SplitPublicKey(e.keys.PublicKey())
	if err != nil {
		e.t.Fatalf("SplitPublicKey: %v", err)
	}
	sealed, err := masterkeys.SealTo(recipient, TokenLiteral, masterkeys.EncAlgoX25519)
	if err != nil {
		e.t.Fatalf("SealTo: %v", err)
	}
	return sealed
}

// sealShared encrypts a load map under the current shared secret, as
// an established minion would.
func (e *testEnv) sealShared(load map[string]any) []byte {
	e.t.Helper()
	blob, err := codec.Marshal(load)
	if err != nil {
		e.t.Fatalf("Marshal: %v", err)
	}
	_, key := e.shared.Current()
	crypt, err := crypter.New(key)
	if err != nil {
		e.t.Fatalf("crypter.New: %v", err)
	}
	sealed, err := crypt.Seal(blob)
	if err != nil {
		e.t.Fatalf("Seal: %v", err)
	}
	return sealed
}

// sealSession encrypts a load map under the minion's session key.
func (e *testEnv) sealSession(id string, load map[string]any) []byte {
	e.t.Helper()
	blob, err := codec.Marshal(load)
	if err != nil {
		e.t.Fatalf("Marshal: %v", err)
	}
	crypt, err := e.server.Sessions().Crypticle(id)
	if err != nil {
		e.t.Fatalf("session crypticle: %v", err)
	}
	sealed, err := crypt.Seal(blob)
	if err != nil {
		e.t.Fatalf("Seal: %v", err)
	}
	return sealed
}

// minionUnseal decrypts bytes the master sealed to the minion's key.
func minionUnseal(t *testing.T, identity *age.X25519Identity, ciphertext []byte) []byte {
	t.Helper()
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		t.Fatalf("age.Decrypt: %v", err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading decrypted payload: %v", err)
	}
	return plain
}

// clearReplyLoad extracts the load map from an unsigned clear reply.
func clearReplyLoad(t *testing.T, reply any) map[string]any {
	t.Helper()
	msg, ok := reply.(map[string]any)
	if !ok {
		t.Fatalf("reply is %T, want map", reply)
	}
	if enc := msg["enc"]; enc != EncClear {
		t.Fatalf("reply enc = %v, want clear", enc)
	}
	load, ok := msg["load"].(map[string]any)
	if !ok {
		t.Fatalf("reply load is %T, want map", msg["load"])
	}
	return load
}

// signedReplyLoad verifies a signed clear reply and returns its
// decoded load.
func (e *testEnv) signedReplyLoad(reply any) map[string]any {
	e.t.Helper()
	msg, ok := reply.(map[string]any)
	if !ok {
		e.t.Fatalf("reply is %T, want map", reply)
	}
	blob, ok := msg["load"].([]byte)
	if !ok {
		e.t.Fatalf("signed reply load is %T, want bytes", msg["load"])
	}
	sig, ok := msg["sig"].([]byte)
	if !ok {
		e.t.Fatalf("signed reply sig is %T, want bytes", msg["sig"])
	}
	if !verifyEd25519(e.keys, blob, sig) {
		e.t.Fatal("signed reply signature does not verify")
	}
	var load map[string]any
	if err := codec.Unmarshal(blob, &load); err != nil {
		e.t.Fatalf("decoding signed reply load: %v", err)
	}
	return load
}

func verifyEd25519(keys *masterkeys.Keys, message, sig []byte) bool {
	return ed25519.Verify(keys.VerifyKey(), message, sig)
}
