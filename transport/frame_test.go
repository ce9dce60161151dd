// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := map[string]any{"enc": "clear", "load": map[string]any{"cmd": "ping"}}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded frame is %T, want map", out)
	}
	if decoded["enc"] != "clear" {
		t.Fatalf("decoded frame = %v", decoded)
	}
}

func TestRawFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("opaque ciphertext")
	if err := WriteRawFrame(&buf, payload); err != nil {
		t.Fatalf("WriteRawFrame: %v", err)
	}
	out, err := ReadRawFrame(&buf)
	if err != nil {
		t.Fatalf("ReadRawFrame: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("round trip mismatch")
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameLength+1)
	if _, err := ReadRawFrame(bytes.NewReader(header[:])); err == nil {
		t.Fatal("oversized frame header accepted")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRawFrame(&buf, []byte("full payload")); err != nil {
		t.Fatalf("WriteRawFrame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadRawFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("truncated frame accepted")
	}
}
