// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/muster-project/muster/lib/codec"
)

// Frames are a 4-byte big-endian payload length followed by a CBOR
// payload. One frame carries one request, reply, or published job.

// maxFrameLength bounds a frame payload. Job loads are small; the
// limit exists so a bad peer cannot make the master allocate
// gigabytes off a corrupt header.
const maxFrameLength = 16 * 1024 * 1024

// WriteFrame encodes value as CBOR and writes it as one frame.
func WriteFrame(w io.Writer, value any) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("transport: encoding frame: %w", err)
	}
	if len(payload) > maxFrameLength {
		return fmt.Errorf("transport: frame payload %d exceeds maximum %d", len(payload), maxFrameLength)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: writing frame payload: %w", err)
	}
	return nil
}

// WriteRawFrame writes pre-encoded payload bytes as one frame.
func WriteRawFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLength {
		return fmt.Errorf("transport: frame payload %d exceeds maximum %d", len(payload), maxFrameLength)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and decodes its CBOR payload into a
// generic value.
func ReadFrame(r io.Reader) (any, error) {
	payload, err := ReadRawFrame(r)
	if err != nil {
		return nil, err
	}
	var value any
	if err := codec.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("transport: decoding frame: %w", err)
	}
	return value, nil
}

// ReadRawFrame reads one frame and returns its raw payload bytes.
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("transport: reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameLength {
		return nil, fmt.Errorf("transport: frame payload %d exceeds maximum %d", length, maxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: reading frame payload: %w", err)
	}
	return payload, nil
}
