// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec applied to stored message bodies.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

var errUnknownCodec = errors.New("unknown body codec")

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression %q", s)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encode prefixes the encoded body with its codec byte so that bodies
// written under a different configuration stay readable.
func encode(body []byte, c Compression) ([]byte, error) {
	var payload []byte
	switch c {
	case CompressionNone:
		payload = body
	case CompressionS2:
		payload = s2.Encode(nil, body)
	case CompressionZstd:
		payload = zstdEncoder.EncodeAll(body, nil)
	default:
		return nil, errUnknownCodec
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(c))
	return append(out, payload...), nil
}

func decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errUnknownCodec
	}
	payload := data[1:]
	switch Compression(data[0]) {
	case CompressionNone:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case CompressionS2:
		return s2.Decode(nil, payload)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(payload, nil)
	default:
		return nil, errUnknownCodec
	}
}
