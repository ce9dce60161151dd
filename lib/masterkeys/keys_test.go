// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package masterkeys

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestLoadGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir, false, "")
	if err != nil {
		t.Fatalf("Load (generate): %v", err)
	}
	second, err := Load(dir, false, "")
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if first.PublicKey() != second.PublicKey() {
		t.Fatal("reloaded keys differ from generated keys")
	}
}

func TestSignAndVerify(t *testing.T) {
	keys, err := Load(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	message := []byte("clear auth reply")
	sig, err := keys.Sign(message, SigAlgoEd25519)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !ed25519.Verify(keys.VerifyKey(), message, sig) {
		t.Fatal("signature did not verify")
	}
}

func TestSignUnsupportedAlgorithm(t *testing.T) {
	keys, err := Load(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := keys.Sign([]byte("m"), "rsa-pkcs1v15"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestSealToAndUnseal(t *testing.T) {
	keys, err := Load(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The master's own recipient line doubles as a handy target.
	recipient, _, err := SplitPublicKey(keys.PublicKey())
	if err != nil {
		t.Fatalf("SplitPublicKey: %v", err)
	}

	plaintext := []byte("muster")
	sealed, err := SealTo(recipient, plaintext, EncAlgoX25519)
	if err != nil {
		t.Fatalf("SealTo: %v", err)
	}
	opened, err := keys.Unseal(sealed, EncAlgoX25519)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestUnsealUnsupportedAlgorithm(t *testing.T) {
	keys, err := Load(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := keys.Unseal([]byte("x"), "rsa-oaep-sha1"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestAttestationSignatureCachedAndVerifies(t *testing.T) {
	keys, err := Load(t.TempDir(), true, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sig := keys.AttestationSignature()
	if sig == nil {
		t.Fatal("attestation signature missing")
	}
	again := keys.AttestationSignature()
	if !bytes.Equal(sig, again) {
		t.Fatal("attestation signature not stable across calls")
	}
}

func TestAttestationAbsentWithoutKey(t *testing.T) {
	keys, err := Load(t.TempDir(), false, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if keys.AttestationSignature() != nil {
		t.Fatal("attestation signature present without an attestation key")
	}
}

func TestAttestationPassphraseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir, true, "hunter2")
	if err != nil {
		t.Fatalf("Load (generate): %v", err)
	}
	second, err := Load(dir, true, "hunter2")
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if !bytes.Equal(first.AttestationSignature(), second.AttestationSignature()) {
		t.Fatal("attestation key did not survive the passphrase round trip")
	}

	if _, err := Load(dir, true, "wrong"); err == nil {
		t.Fatal("wrong passphrase accepted")
	}
}

func TestParseRecipientToleratesWhitespace(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	text := "  " + identity.Recipient().String() + "\n"
	if _, err := ParseRecipient(text); err != nil {
		t.Fatalf("ParseRecipient: %v", err)
	}
}

func TestFingerprintIgnoresWhitespace(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	key := identity.Recipient().String()
	if Fingerprint(key) != Fingerprint(key+"\n") {
		t.Fatal("fingerprint changed with trailing newline")
	}
	if !strings.Contains(Fingerprint(key), ":") {
		t.Fatal("fingerprint not colon separated")
	}
}
