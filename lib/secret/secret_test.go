// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestBufferHoldsAndZeroesSource(t *testing.T) {
	source := []byte("channel-wide publish secret bytes")
	want := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Fatal("buffer contents do not match source")
	}
	for _, b := range source {
		if b != 0 {
			t.Fatal("source slice was not zeroed")
		}
	}
}

func TestBufferCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("k"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBufferPanicsAfterClose(t *testing.T) {
	buffer, err := NewFromBytes([]byte("k"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes on a closed buffer did not panic")
		}
	}()
	_ = buffer.Bytes()
}

func TestSharedRotateBumpsVersionAndChangesKey(t *testing.T) {
	shared, err := NewShared()
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	defer shared.Close()

	version1, key1 := shared.Current()
	if version1 != 1 {
		t.Fatalf("initial version = %d, want 1", version1)
	}
	key1Copy := append([]byte(nil), key1...)

	version2, err := shared.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if version2 != 2 {
		t.Fatalf("rotated version = %d, want 2", version2)
	}

	_, key2 := shared.Current()
	if bytes.Equal(key1Copy, key2) {
		t.Fatal("rotation did not change the key")
	}
}
