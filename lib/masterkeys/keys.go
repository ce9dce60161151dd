// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package masterkeys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// Algorithm names negotiated in auth requests. A request naming
// anything else is answered with "bad enc algo" / "bad sig algo"
// rather than an error.
const (
	EncAlgoX25519  = "x25519-chacha20"
	SigAlgoEd25519 = "ed25519"
)

// ErrUnsupportedAlgorithm is returned when a minion requests an
// algorithm the master does not implement.
var ErrUnsupportedAlgorithm = errors.New("masterkeys: unsupported algorithm")

// Key file names under pki_dir.
const (
	identityFile    = "master.key"
	signingFile     = "master_ed25519.key"
	publicFile      = "master.pub"
	attestationFile = "master_sign.key"
)

// Keys is the master's key material. Safe for concurrent use; the
// attestation signature is computed once and cached.
type Keys struct {
	identity  *age.X25519Identity
	signing   ed25519.PrivateKey
	verify    ed25519.PublicKey
	publicKey string

	// attestation is nil unless master_sign_pubkey is configured.
	attestation ed25519.PrivateKey

	attestOnce sync.Once
	attestSig  []byte
}

// Load reads the master keys from pkiDir, generating any that are
// missing. withAttestation additionally loads or generates the
// dedicated attestation keypair; a non-empty attestationPass encrypts
// that key at rest with an age scrypt passphrase.
func Load(pkiDir string, withAttestation bool, attestationPass string) (*Keys, error) {
	if err := os.MkdirAll(pkiDir, 0o700); err != nil {
		return nil, fmt.Errorf("masterkeys: creating pki dir: %w", err)
	}

	identity, err := loadOrGenerateIdentity(filepath.Join(pkiDir, identityFile))
	if err != nil {
		return nil, err
	}
	signing, err := loadOrGenerateSigning(filepath.Join(pkiDir, signingFile))
	if err != nil {
		return nil, err
	}

	keys := &Keys{
		identity: identity,
		signing:  signing,
		verify:   signing.Public().(ed25519.PublicKey),
	}
	keys.publicKey = formatPublicKey(identity.Recipient().String(), keys.verify)

	// Keep master.pub current so operators can distribute it out of
	// band for minion pinning.
	if err := os.WriteFile(filepath.Join(pkiDir, publicFile), []byte(keys.publicKey), 0o644); err != nil {
		return nil, fmt.Errorf("masterkeys: writing public key file: %w", err)
	}

	if withAttestation {
		attestation, err := loadOrGenerateAttestation(filepath.Join(pkiDir, attestationFile), attestationPass)
		if err != nil {
			return nil, err
		}
		keys.attestation = attestation
	}
	return keys, nil
}

// PublicKey returns the master's public key text: the age recipient on
// the first line and the base64 Ed25519 verify key on the second.
func (k *Keys) PublicKey() string { return k.publicKey }

// VerifyKey returns the Ed25519 public key minions use to check
// signatures from this master.
func (k *Keys) VerifyKey() ed25519.PublicKey { return k.verify }

// Sign signs message with the master's Ed25519 key using the named
// algorithm. Only SigAlgoEd25519 is supported.
func (k *Keys) Sign(message []byte, algorithm string) ([]byte, error) {
	if algorithm != SigAlgoEd25519 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	return ed25519.Sign(k.signing, message), nil
}

// AttestationSignature returns the signature of the master's public
// key text under the dedicated attestation key, computing it on first
// use and caching it. Returns nil when no attestation key is loaded.
func (k *Keys) AttestationSignature() []byte {
	if k.attestation == nil {
		return nil
	}
	k.attestOnce.Do(func() {
		k.attestSig = ed25519.Sign(k.attestation, []byte(k.publicKey))
	})
	return k.attestSig
}

// Unseal decrypts ciphertext that was sealed to the master's age
// public key using the named algorithm. Only EncAlgoX25519 is
// supported.
func (k *Keys) Unseal(ciphertext []byte, algorithm string) ([]byte, error) {
	if algorithm != EncAlgoX25519 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), k.identity)
	if err != nil {
		return nil, fmt.Errorf("masterkeys: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("masterkeys: reading decrypted payload: %w", err)
	}
	return plaintext, nil
}

// SealTo encrypts plaintext to a minion's age public key using the
// named algorithm. Only EncAlgoX25519 is supported.
func SealTo(recipientKey string, plaintext []byte, algorithm string) ([]byte, error) {
	if algorithm != EncAlgoX25519 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	recipient, err := ParseRecipient(recipientKey)
	if err != nil {
		return nil, err
	}
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("masterkeys: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("masterkeys: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("masterkeys: finalizing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// ParseRecipient validates and parses a minion public key. The stored
// key text may carry surrounding whitespace from file round-trips.
func ParseRecipient(keyText string) (*age.X25519Recipient, error) {
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(keyText))
	if err != nil {
		return nil, fmt.Errorf("masterkeys: parsing minion public key: %w", err)
	}
	return recipient, nil
}

// CleanKey normalizes a public key text for comparison: surrounding
// whitespace and trailing newlines are insignificant.
func CleanKey(keyText string) string {
	return strings.TrimSpace(keyText)
}

func formatPublicKey(recipient string, verify ed25519.PublicKey) string {
	return recipient + "\n" + base64.StdEncoding.EncodeToString(verify) + "\n"
}

// SplitPublicKey parses a master public key text back into its age
// recipient string and Ed25519 verify key. Used by tests and by
// minion-side tooling that pins the master key.
func SplitPublicKey(text string) (string, ed25519.PublicKey, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 2 {
		return "", nil, fmt.Errorf("masterkeys: public key text must have 2 lines, got %d", len(lines))
	}
	if _, err := age.ParseX25519Recipient(lines[0]); err != nil {
		return "", nil, fmt.Errorf("masterkeys: bad recipient line: %w", err)
	}
	verify, err := base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return "", nil, fmt.Errorf("masterkeys: bad verify key line: %w", err)
	}
	if len(verify) != ed25519.PublicKeySize {
		return "", nil, fmt.Errorf("masterkeys: verify key is %d bytes, want %d", len(verify), ed25519.PublicKeySize)
	}
	return lines[0], ed25519.PublicKey(verify), nil
}

func loadOrGenerateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("masterkeys: parsing %s: %w", path, err)
		}
		return identity, nil
	case os.IsNotExist(err):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("masterkeys: generating identity: %w", err)
		}
		if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("masterkeys: writing %s: %w", path, err)
		}
		return identity, nil
	default:
		return nil, fmt.Errorf("masterkeys: reading %s: %w", path, err)
	}
}

// loadOrGenerateAttestation handles the dedicated attestation key.
// With a passphrase the seed is stored age-scrypt encrypted; without
// one it uses the same plaintext format as the signing key.
func loadOrGenerateAttestation(path, passphrase string) (ed25519.PrivateKey, error) {
	if passphrase == "" {
		return loadOrGenerateSigning(path)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: deriving passphrase identity: %w", err)
		}
		reader, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: decrypting %s: %w", path, err)
		}
		seed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: reading decrypted seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("masterkeys: %s decrypted to %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil

	case os.IsNotExist(err):
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: generating attestation key: %w", err)
		}
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: deriving passphrase recipient: %w", err)
		}
		var sealed bytes.Buffer
		writer, err := age.Encrypt(&sealed, recipient)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: encrypting attestation key: %w", err)
		}
		if _, err := writer.Write(key.Seed()); err != nil {
			return nil, fmt.Errorf("masterkeys: writing attestation seed: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("masterkeys: finalizing attestation key encryption: %w", err)
		}
		if err := os.WriteFile(path, sealed.Bytes(), 0o600); err != nil {
			return nil, fmt.Errorf("masterkeys: writing %s: %w", path, err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("masterkeys: reading %s: %w", path, err)
	}
}

func loadOrGenerateSigning(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("masterkeys: decoding %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("masterkeys: %s holds %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	case os.IsNotExist(err):
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("masterkeys: generating signing key: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(key.Seed())
		if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("masterkeys: writing %s: %w", path, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("masterkeys: reading %s: %w", path, err)
	}
}
