// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration.
type Config struct {
	// Interface is the address the request server binds
	// (host:port).
	Interface string `yaml:"interface"`

	// PublishPort is the port minions subscribe to for jobs. Sent to
	// minions in the auth reply.
	PublishPort int `yaml:"publish_port"`

	// PKIDir holds the master keys and the minion key trust store.
	PKIDir string `yaml:"pki_dir"`

	// CacheDir holds runtime state, including per-minion session
	// keys under sessions/.
	CacheDir string `yaml:"cachedir"`

	// ClusterID names this master's cluster. When set, accepted
	// minion keys are read from ClusterPKIDir so every master in the
	// cluster validates against the same store.
	ClusterID     string `yaml:"cluster_id"`
	ClusterPKIDir string `yaml:"cluster_pki_dir"`

	// OpenMode accepts any key from any minion, skipping every trust
	// check. Development use only.
	OpenMode bool `yaml:"open_mode"`

	// AuthMode controls handshake secret negotiation. Mode 2 and
	// above concatenates the minion's decrypted challenge token onto
	// the shared secret before sealing it back.
	AuthMode int `yaml:"auth_mode"`

	// AuthEvents fires an event on the bus for every handshake
	// outcome.
	AuthEvents bool `yaml:"auth_events"`

	// MaxMinions caps concurrently connected minions; 0 is
	// unlimited. Already-connected minions are always allowed
	// through, only brand-new ids are refused at the cap.
	MaxMinions int `yaml:"max_minions"`

	// PublishSessionSeconds is the per-minion session key lifetime.
	PublishSessionSeconds int `yaml:"publish_session"`

	// RequestServerTTLSeconds is the maximum accepted age of a
	// request's timestamp; 0 disables the check.
	RequestServerTTLSeconds int `yaml:"request_server_ttl"`

	// MasterSignPubKey attaches an attestation signature of the
	// master public key to auth replies.
	MasterSignPubKey bool `yaml:"master_sign_pubkey"`

	// SigningKeyPass, when set, encrypts the attestation key at rest
	// with this passphrase.
	SigningKeyPass string `yaml:"signing_key_pass"`

	// SignPubMessages signs publish ciphertexts with the master key.
	SignPubMessages bool `yaml:"sign_pub_messages"`

	// PublishSigningAlgorithm names the signature algorithm for
	// publish signing.
	PublishSigningAlgorithm string `yaml:"publish_signing_algorithm"`

	// PublishCompression compresses job loads before encryption:
	// "none", "lz4", or "zstd".
	PublishCompression string `yaml:"publish_compression"`

	// ConCache tracks connected minion ids in memory for the
	// max_minions check instead of enumerating the key store on
	// every handshake. Recommended beyond ~1000 minions.
	ConCache bool `yaml:"con_cache"`

	// PresenceEvents fires presence/change and presence/present
	// events as minions appear on and vanish from the publish
	// channel.
	PresenceEvents bool `yaml:"presence_events"`

	// PubServerNiceness renices the publish daemon process; 0 leaves
	// it alone.
	PubServerNiceness int `yaml:"pub_server_niceness"`

	// AutoAccept signs every valid minion key. Development use only.
	AutoAccept bool `yaml:"auto_accept"`

	// AutosignFile and AutorejectFile are pattern files consulted on
	// each handshake; AutosignGrainsDir gates autosigning on
	// submitted grain values.
	AutosignFile      string `yaml:"autosign_file"`
	AutorejectFile    string `yaml:"autoreject_file"`
	AutosignGrainsDir string `yaml:"autosign_grains_dir"`
}

// Default returns the configuration used when a key is absent from
// the file.
func Default() Config {
	return Config{
		Interface:               ":4506",
		PublishPort:             4505,
		PKIDir:                  "/etc/muster/pki",
		CacheDir:                "/var/cache/muster",
		AuthMode:                1,
		PublishSessionSeconds:   86400,
		RequestServerTTLSeconds: 60,
		PublishSigningAlgorithm: "ed25519",
		PublishCompression:      "none",
	}
}

// Load reads and validates the configuration file at path. Absent
// keys keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants the channel layer depends on.
func (c Config) Validate() error {
	if c.PKIDir == "" {
		return fmt.Errorf("pki_dir must be set")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cachedir must be set")
	}
	if c.PublishPort <= 0 || c.PublishPort > 65535 {
		return fmt.Errorf("publish_port %d out of range", c.PublishPort)
	}
	if c.PublishSessionSeconds <= 0 {
		return fmt.Errorf("publish_session must be positive, got %d", c.PublishSessionSeconds)
	}
	if c.RequestServerTTLSeconds < 0 {
		return fmt.Errorf("request_server_ttl must not be negative, got %d", c.RequestServerTTLSeconds)
	}
	if c.MaxMinions < 0 {
		return fmt.Errorf("max_minions must not be negative, got %d", c.MaxMinions)
	}
	switch c.PublishCompression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("publish_compression %q is not one of none, lz4, zstd", c.PublishCompression)
	}
	if c.ClusterID != "" && c.ClusterPKIDir == "" {
		return fmt.Errorf("cluster_id is set but cluster_pki_dir is not")
	}
	return nil
}

// PublishSession returns the session key lifetime as a Duration.
func (c Config) PublishSession() time.Duration {
	return time.Duration(c.PublishSessionSeconds) * time.Second
}

// RequestServerTTL returns the request freshness window as a
// Duration; zero disables the check.
func (c Config) RequestServerTTL() time.Duration {
	return time.Duration(c.RequestServerTTLSeconds) * time.Second
}

// MinionKeyDir returns the PKI directory accepted minion keys are
// validated against: the cluster store when clustered, the local one
// otherwise.
func (c Config) MinionKeyDir() string {
	if c.ClusterID != "" {
		return c.ClusterPKIDir
	}
	return c.PKIDir
}
