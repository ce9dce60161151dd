// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package autokey

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAutoAcceptSignsEverything(t *testing.T) {
	policy := &Policy{AutoAccept: true, Logger: quietLogger()}
	if !policy.CheckAutoSign("anything", nil) {
		t.Fatal("auto_accept did not sign")
	}
}

func TestAutosignFilePatterns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autosign.conf", "# build fleet\nbuild-*\nexact-minion\n\n")
	policy := &Policy{AutosignFile: path, Logger: quietLogger()}

	if !policy.CheckAutoSign("build-07", nil) {
		t.Fatal("glob pattern did not match")
	}
	if !policy.CheckAutoSign("exact-minion", nil) {
		t.Fatal("exact pattern did not match")
	}
	if policy.CheckAutoSign("web-01", nil) {
		t.Fatal("non-matching id was signed")
	}
}

func TestAutorejectOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autoreject.conf", "banned-*\n")
	policy := &Policy{AutorejectFile: path, Logger: quietLogger()}

	if !policy.CheckAutoReject("banned-01") {
		t.Fatal("autoreject pattern did not match")
	}
	if policy.CheckAutoReject("web-01") {
		t.Fatal("non-matching id was rejected")
	}
}

func TestMissingPatternFileMatchesNothing(t *testing.T) {
	policy := &Policy{
		AutosignFile:   filepath.Join(t.TempDir(), "absent"),
		AutorejectFile: filepath.Join(t.TempDir(), "absent"),
		Logger:         quietLogger(),
	}
	if policy.CheckAutoSign("web-01", nil) {
		t.Fatal("missing autosign file signed a minion")
	}
	if policy.CheckAutoReject("web-01") {
		t.Fatal("missing autoreject file rejected a minion")
	}
}

func TestGrainsGatedAutosign(t *testing.T) {
	grainsDir := t.TempDir()
	writeFile(t, grainsDir, "datacenter", "us-east-1\nus-west-2\n")
	policy := &Policy{GrainsDir: grainsDir, Logger: quietLogger()}

	if !policy.CheckAutoSign("web-01", map[string]any{"datacenter": "us-east-1"}) {
		t.Fatal("permitted grain value did not sign")
	}
	if !policy.CheckAutoSign("web-01", map[string]any{"datacenter": []any{"eu-1", "us-west-2"}}) {
		t.Fatal("permitted grain value in list did not sign")
	}
	if policy.CheckAutoSign("web-01", map[string]any{"datacenter": "ap-south-1"}) {
		t.Fatal("unpermitted grain value signed")
	}
	if policy.CheckAutoSign("web-01", map[string]any{"othergrain": "us-east-1"}) {
		t.Fatal("grain without a permitted-values file signed")
	}
}

func TestUnsafeGrainNameIgnored(t *testing.T) {
	grainsDir := t.TempDir()
	writeFile(t, grainsDir, "datacenter", "us-east-1\n")
	policy := &Policy{GrainsDir: grainsDir, Logger: quietLogger()}

	if policy.CheckAutoSign("web-01", map[string]any{"../datacenter": "us-east-1"}) {
		t.Fatal("path-traversal grain name was consulted")
	}
}
