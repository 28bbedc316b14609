// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how large payloads are compressed before
// sealing.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses "none", "zstd", or "lz4".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var errIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the compressed form of data, or errIncompressible
// when compression would not shrink it.
func compress(data []byte, algorithm Compression) ([]byte, error) {
	switch algorithm {
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	case CompressionLZ4:
		// LZ4 blocks do not record their decoded size; prefix it.
		destination := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(data)))
		prefix := binary.PutUvarint(destination, uint64(len(data)))
		written, err := lz4.CompressBlock(data, destination[prefix:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || prefix+written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:prefix+written], nil

	default:
		return nil, errIncompressible
	}
}

func decompress(data []byte, algorithm Compression) ([]byte, error) {
	switch algorithm {
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) > MaxPayloadSize {
			return nil, fmt.Errorf("zstd decompress: %d bytes exceeds limit", len(decoded))
		}
		return decoded, nil

	case CompressionLZ4:
		size, prefix := binary.Uvarint(data)
		if prefix <= 0 {
			return nil, errors.New("lz4 decompress: bad size prefix")
		}
		if size > MaxPayloadSize {
			return nil, fmt.Errorf("lz4 decompress: declared size %d exceeds limit", size)
		}
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data[prefix:], destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression %s", algorithm)
	}
}
