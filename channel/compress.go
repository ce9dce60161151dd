// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Publish loads are compressed before encryption; a single tag byte
// ahead of the compressed bytes tells the minion which codec to
// reverse. The tag travels inside the ciphertext, so it cannot be
// stripped or swapped in transit.
const (
	compressionNone byte = 0x00
	compressionLZ4  byte = 0x01
	compressionZstd byte = 0x02
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// initZstd builds the shared codec state. zstd.NewWriter/NewReader
// only fail on bad options; with none given the error is impossible,
// but a panic here beats silently publishing garbage.
func initZstd() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("channel: creating zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("channel: creating zstd decoder: %v", err))
	}
}

// compressLoad applies the configured codec and prepends its tag.
// algo has already been validated by config.
func compressLoad(algo string, data []byte) ([]byte, error) {
	switch algo {
	case "", "none":
		return append([]byte{compressionNone}, data...), nil

	case "lz4":
		var buf bytes.Buffer
		buf.WriteByte(compressionLZ4)
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("channel: lz4 compression: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("channel: finalizing lz4 compression: %w", err)
		}
		return buf.Bytes(), nil

	case "zstd":
		zstdOnce.Do(initZstd)
		return zstdEncoder.EncodeAll(data, []byte{compressionZstd}), nil

	default:
		return nil, fmt.Errorf("channel: unknown publish compression %q", algo)
	}
}

// decompressLoad reverses compressLoad. The master only needs it for
// tests and diagnostics; minions carry the real decode path.
func decompressLoad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("channel: empty compressed load")
	}
	tag, body := data[0], data[1:]
	switch tag {
	case compressionNone:
		return body, nil

	case compressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("channel: lz4 decompression: %w", err)
		}
		return out, nil

	case compressionZstd:
		zstdOnce.Do(initZstd)
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("channel: zstd decompression: %w", err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("channel: unknown compression tag 0x%02x", tag)
	}
}
