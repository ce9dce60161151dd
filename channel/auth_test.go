// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/config"
)

func TestAuthNewKeyGoesPending(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)

	reply := env.server.Auth(authLoad("minion1", minion), false)
	load := clearReplyLoad(t, reply)
	if load["ret"] != true {
		t.Fatalf("ret = %v, want true (pending)", load["ret"])
	}
	state, key, err := env.store.Status("minion1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != keystore.StatePending || key != minion.Recipient().String() {
		t.Fatalf("state = %v key = %q after first handshake", state, key)
	}
}

func TestAuthPendingResubmitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	load := authLoad("minion1", minion)

	first := clearReplyLoad(t, env.server.Auth(load, false))
	second := clearReplyLoad(t, env.server.Auth(load, false))
	if first["ret"] != true || second["ret"] != true {
		t.Fatalf("replies = %v / %v, want true / true", first["ret"], second["ret"])
	}
	state, _, err := env.store.Status("minion1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != keystore.StatePending {
		t.Fatalf("state = %v, want still pending", state)
	}
	if _, err := env.store.Key("minion1", keystore.StateAccepted); err == nil {
		t.Fatal("resubmission must not promote a pending key")
	}
}

func TestAuthPendingKeyMismatchDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	env.server.Auth(authLoad("minion1", minion), false)

	impostor := newMinionIdentity(t)
	reply := clearReplyLoad(t, env.server.Auth(authLoad("minion1", impostor), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false", reply["ret"])
	}
	denied, err := env.store.Key("minion1", keystore.StateDenied)
	if err != nil {
		t.Fatalf("denied key not recorded: %v", err)
	}
	if denied != impostor.Recipient().String() {
		t.Fatal("denied record does not hold the offending key")
	}
	// The pending entry keeps the original key.
	pending, err := env.store.Key("minion1", keystore.StatePending)
	if err != nil || pending != minion.Recipient().String() {
		t.Fatalf("pending key disturbed: %q, %v", pending, err)
	}
}

func TestAuthAcceptedKeyMismatchDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	if err := env.store.Accept("minion1", minion.Recipient().String()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	impostor := newMinionIdentity(t)
	reply := clearReplyLoad(t, env.server.Auth(authLoad("minion1", impostor), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false", reply["ret"])
	}
	if _, err := env.store.Key("minion1", keystore.StateDenied); err != nil {
		t.Fatalf("denied key not recorded: %v", err)
	}
	accepted, err := env.store.Key("minion1", keystore.StateAccepted)
	if err != nil || accepted != minion.Recipient().String() {
		t.Fatal("accepted key must survive a denied attempt")
	}
}

func TestAuthRejectedStateRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	if err := env.store.Reject("minion1", minion.Recipient().String()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	reply := clearReplyLoad(t, env.server.Auth(authLoad("minion1", minion), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false for rejected minion", reply["ret"])
	}
}

func TestAuthInvalidIDRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	reply := clearReplyLoad(t, env.server.Auth(authLoad("../escape", minion), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false", reply["ret"])
	}
}

func TestAuthAutoAcceptIssuesSecrets(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AutoAccept = true })
	minion := newMinionIdentity(t)
	load := authLoad("minion1", minion)
	load["token"] = env.sealToken()

	reply, ok := env.server.Auth(load, false).(map[string]any)
	if !ok {
		t.Fatal("acceptance reply is not a map")
	}
	if reply["enc"] != EncPub {
		t.Fatalf("enc = %v, want pub", reply["enc"])
	}
	if reply["pub_key"] != env.keys.PublicKey() {
		t.Fatal("reply does not carry the master public key")
	}
	if port, _ := asInt(reply["publish_port"]); port != env.cfg.PublishPort {
		t.Fatalf("publish_port = %v, want %d", reply["publish_port"], env.cfg.PublishPort)
	}

	_, key := env.shared.Current()
	aes := minionUnseal(t, minion, reply["aes"].([]byte))
	if !bytes.Equal(aes, key) {
		t.Fatal("sealed secret does not match the shared secret")
	}

	// auth_mode 1 echoes the decrypted token sealed back.
	echo := minionUnseal(t, minion, reply["token"].([]byte))
	if !bytes.Equal(echo, TokenLiteral) {
		t.Fatal("token echo mismatch")
	}

	session := minionUnseal(t, minion, reply["session"].([]byte))
	expected, err := env.server.Sessions().Key("minion1")
	if err != nil {
		t.Fatalf("Sessions.Key: %v", err)
	}
	if !bytes.Equal(session, expected) {
		t.Fatal("sealed session key mismatch")
	}

	digest := sha256.Sum256(key)
	if !verifyEd25519(env.keys, []byte(hex.EncodeToString(digest[:])), reply["sig"].([]byte)) {
		t.Fatal("secret digest signature does not verify")
	}

	if _, err := env.store.Key("minion1", keystore.StateAccepted); err != nil {
		t.Fatalf("accepted key not stored: %v", err)
	}
}

func TestAuthMode2ConcatenatesToken(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.AutoAccept = true
		c.AuthMode = 2
	})
	minion := newMinionIdentity(t)
	load := authLoad("minion1", minion)
	load["token"] = env.sealToken()

	reply := env.server.Auth(load, false).(map[string]any)
	if _, hasEcho := reply["token"]; hasEcho {
		t.Fatal("auth_mode 2 must not echo the token separately")
	}
	_, key := env.shared.Current()
	want := bytes.Join([][]byte{key, secretTokenSeparator, TokenLiteral}, nil)
	aes := minionUnseal(t, minion, reply["aes"].([]byte))
	if !bytes.Equal(aes, want) {
		t.Fatal("auth_mode 2 secret is not secret||separator||token")
	}
}

func TestAuthMaxMinionsFull(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.MaxMinions = 1
		c.AutoAccept = true
	})
	resident := newMinionIdentity(t)
	if err := env.store.Accept("resident", resident.Recipient().String()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A brand-new id is refused at the cap.
	newcomer := newMinionIdentity(t)
	reply := clearReplyLoad(t, env.server.Auth(authLoad("late", newcomer), false))
	if reply["ret"] != "full" {
		t.Fatalf("ret = %v, want full", reply["ret"])
	}
	events := env.events.byTag("auth")
	if len(events) == 0 || events[len(events)-1].Data["act"] != "full" {
		t.Fatal("full refusal did not fire an auth event with act=full")
	}

	// The already-counted id still authenticates.
	if got := env.server.Auth(authLoad("resident", resident), false); got.(map[string]any)["enc"] != EncPub {
		t.Fatal("connected minion refused below the cap")
	}
}

func TestAuthOpenMode(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.OpenMode = true })
	old := newMinionIdentity(t)
	if err := env.store.Accept("minion1", old.Recipient().String()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Open mode overwrites a conflicting accepted key.
	replacement := newMinionIdentity(t)
	reply := env.server.Auth(authLoad("minion1", replacement), false).(map[string]any)
	if reply["enc"] != EncPub {
		t.Fatal("open mode did not accept the replacement key")
	}
	stored, err := env.store.Key("minion1", keystore.StateAccepted)
	if err != nil || stored != replacement.Recipient().String() {
		t.Fatal("open mode did not overwrite the stored key")
	}

	// An empty key is refused even in open mode.
	load := authLoad("minion2", replacement)
	load["pub"] = ""
	refused := clearReplyLoad(t, env.server.Auth(load, false))
	if refused["ret"] != false {
		t.Fatalf("ret = %v, want false for empty key", refused["ret"])
	}
}

func TestAuthBadEncAlgo(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AutoAccept = true })
	minion := newMinionIdentity(t)
	load := authLoad("minion1", minion)
	load["enc_algo"] = "rsa-oaep-sha1"

	reply := clearReplyLoad(t, env.server.Auth(load, false))
	if reply["ret"] != "bad enc algo" {
		t.Fatalf("ret = %v, want bad enc algo", reply["ret"])
	}
}

func TestAuthSignedReplies(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)

	load := env.signedReplyLoad(env.server.Auth(authLoad("minion1", minion), true))
	if load["ret"] != true {
		t.Fatalf("ret = %v, want true", load["ret"])
	}
	if load["nonce"] != "abc" {
		t.Fatalf("nonce = %v, want abc", load["nonce"])
	}
}

func TestAuthSignedAcceptanceCarriesNonce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AutoAccept = true })
	minion := newMinionIdentity(t)

	load := env.signedReplyLoad(env.server.Auth(authLoad("minion1", minion), true))
	if load["enc"] != EncPub || load["nonce"] != "abc" {
		t.Fatalf("signed acceptance load = %v", load)
	}
}

func TestAuthBadSigAlgo(t *testing.T) {
	env := newTestEnv(t, nil)
	minion := newMinionIdentity(t)
	load := authLoad("minion1", minion)
	load["sig_algo"] = "rsa-pss"

	reply := clearReplyLoad(t, env.server.Auth(load, true))
	if reply["ret"] != "bad sig algo" {
		t.Fatalf("ret = %v, want bad sig algo", reply["ret"])
	}
}

func TestAuthAutoRejectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoreject.conf")
	if err := os.WriteFile(path, []byte("# refused hosts\nbad-*\n"), 0o600); err != nil {
		t.Fatalf("writing autoreject file: %v", err)
	}
	env := newTestEnv(t, func(c *config.Config) { c.AutorejectFile = path })
	minion := newMinionIdentity(t)

	reply := clearReplyLoad(t, env.server.Auth(authLoad("bad-minion", minion), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false", reply["ret"])
	}
	if _, err := env.store.Key("bad-minion", keystore.StateRejected); err != nil {
		t.Fatalf("auto-rejected key not recorded: %v", err)
	}
}

func TestAuthAutoRejectMovesPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoreject.conf")
	env := newTestEnv(t, func(c *config.Config) { c.AutorejectFile = path })
	minion := newMinionIdentity(t)

	// First handshake lands in pending; then the operator blocks the id.
	env.server.Auth(authLoad("minion1", minion), false)
	if err := os.WriteFile(path, []byte("minion1\n"), 0o600); err != nil {
		t.Fatalf("writing autoreject file: %v", err)
	}
	reply := clearReplyLoad(t, env.server.Auth(authLoad("minion1", minion), false))
	if reply["ret"] != false {
		t.Fatalf("ret = %v, want false", reply["ret"])
	}
	state, _, err := env.store.Status("minion1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != keystore.StateRejected {
		t.Fatalf("state = %v, want rejected", state)
	}
}

func TestAuthAutosignFileAcceptsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autosign.conf")
	if err := os.WriteFile(path, []byte("web-*\n"), 0o600); err != nil {
		t.Fatalf("writing autosign file: %v", err)
	}
	env := newTestEnv(t, func(c *config.Config) { c.AutosignFile = path })
	minion := newMinionIdentity(t)
	if err := env.store.Pend("web-1", minion.Recipient().String()); err != nil {
		t.Fatalf("Pend: %v", err)
	}

	reply := env.server.Auth(authLoad("web-1", minion), false).(map[string]any)
	if reply["enc"] != EncPub {
		t.Fatal("autosigned pending minion was not accepted")
	}
	state, _, err := env.store.Status("web-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != keystore.StateAccepted {
		t.Fatalf("state = %v, want accepted", state)
	}
	if _, err := env.store.Key("web-1", keystore.StatePending); err == nil {
		t.Fatal("pending entry not cleared by autosign acceptance")
	}
}

func TestAuthAttestationSignature(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.AutoAccept = true
		c.MasterSignPubKey = true
	})
	minion := newMinionIdentity(t)

	reply := env.server.Auth(authLoad("minion1", minion), false).(map[string]any)
	sig, ok := reply["pub_sig"].([]byte)
	if !ok {
		t.Fatal("acceptance reply missing pub_sig")
	}
	if !bytes.Equal(sig, env.keys.AttestationSignature()) {
		t.Fatal("pub_sig is not the cached attestation signature")
	}
}

func TestAuthEventsPerOutcome(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.AutoAccept = true })
	minion := newMinionIdentity(t)
	env.server.Auth(authLoad("minion1", minion), false)

	events := env.events.byTag("auth")
	if len(events) != 1 {
		t.Fatalf("auth events = %d, want 1", len(events))
	}
	data := events[0].Data
	if data["act"] != "accept" || data["result"] != true || data["id"] != "minion1" {
		t.Fatalf("auth event data = %v", data)
	}
}

func TestAuthEventsDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.AuthEvents = false
		c.AutoAccept = true
	})
	minion := newMinionIdentity(t)
	env.server.Auth(authLoad("minion1", minion), false)
	if events := env.events.byTag("auth"); len(events) != 0 {
		t.Fatalf("auth events fired with auth_events disabled: %d", len(events))
	}
}
