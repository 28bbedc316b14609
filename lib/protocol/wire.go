// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/helpdesk/lib/codec"
	"github.com/bureau-foundation/helpdesk/lib/model"
)

const (
	// MaxFrameSize bounds one encoded line, terminator included.
	MaxFrameSize = 32 << 20

	// MaxPayloadSize bounds a decompressed payload.
	MaxPayloadSize = 32 << 20

	// DefaultCompressionThreshold is the payload size above which
	// compression is attempted.
	DefaultCompressionThreshold = 4 << 10
)

// absent is the wire placeholder for an empty field.
const absent = "-"

const (
	flagAck    = 'a'
	flagZstd   = 'z'
	flagLZ4    = 'l'
	flagSealed = 's'
)

var payloadEncoding = base64.RawURLEncoding

// Envelope seals and opens payloads after a key exchange.
type Envelope interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Codec converts between messages and wire lines. The zero value
// never compresses.
type Codec struct {
	Compression Compression

	// CompressionThreshold is the minimum payload size to try
	// compressing. Zero means DefaultCompressionThreshold.
	CompressionThreshold int
}

// DefaultCodec compresses payloads above 4 KiB with zstd.
func DefaultCodec() Codec {
	return Codec{Compression: CompressionZstd, CompressionThreshold: DefaultCompressionThreshold}
}

type flags struct {
	ack         bool
	compression Compression
	sealed      bool
}

func (f flags) String() string {
	var builder strings.Builder
	if f.ack {
		builder.WriteByte(flagAck)
	}
	switch f.compression {
	case CompressionZstd:
		builder.WriteByte(flagZstd)
	case CompressionLZ4:
		builder.WriteByte(flagLZ4)
	}
	if f.sealed {
		builder.WriteByte(flagSealed)
	}
	if builder.Len() == 0 {
		return absent
	}
	return builder.String()
}

func parseFlags(field string) (flags, error) {
	var parsed flags
	if field == absent {
		return parsed, nil
	}
	seen := map[rune]bool{}
	for _, letter := range field {
		if seen[letter] {
			return flags{}, fmt.Errorf("duplicate flag %q", letter)
		}
		seen[letter] = true
		switch letter {
		case flagAck:
			parsed.ack = true
		case flagZstd, flagLZ4:
			if parsed.compression != CompressionNone {
				return flags{}, errors.New("more than one compression flag")
			}
			parsed.compression = CompressionZstd
			if letter == flagLZ4 {
				parsed.compression = CompressionLZ4
			}
		case flagSealed:
			parsed.sealed = true
		default:
			return flags{}, fmt.Errorf("unknown flag %q", letter)
		}
	}
	return parsed, nil
}

// sealRequired reports whether a message of kind must travel sealed
// once an envelope is installed.
func sealRequired(kind Kind) bool { return kind != KindKeyExchange }

// Encode renders message as one wire line including the trailing LF.
// When envelope is non-nil every kind except KEY_XCHANGE is sealed.
func (c Codec) Encode(message Message, envelope Envelope) ([]byte, error) {
	if _, ok := kinds[message.Kind]; !ok {
		return nil, fmt.Errorf("encoding message: unknown kind %q", message.Kind)
	}
	if message.Kind.IsEntryEvent() != (message.Table != "") {
		return nil, fmt.Errorf("encoding %s: table tag %q not valid for this kind", message.Kind, message.Table)
	}
	if message.Table != "" {
		if _, err := model.ParseTable(string(message.Table)); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", message.Kind, err)
		}
	}

	messageFlags := flags{ack: message.Ack}
	payload := message.Payload

	threshold := c.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	if c.Compression != CompressionNone && len(payload) >= threshold {
		compressed, err := compress(payload, c.Compression)
		switch {
		case err == nil:
			payload = compressed
			messageFlags.compression = c.Compression
		case !errors.Is(err, errIncompressible):
			return nil, fmt.Errorf("encoding %s: %w", message.Kind, err)
		}
	}

	if envelope != nil && sealRequired(message.Kind) {
		sealed, err := envelope.Seal(payload)
		if err != nil {
			return nil, fmt.Errorf("sealing %s: %w", message.Kind, err)
		}
		payload = sealed
		messageFlags.sealed = true
	}

	table := absent
	if message.Table != "" {
		table = string(message.Table)
	}
	encoded := absent
	if len(payload) > 0 {
		encoded = payloadEncoding.EncodeToString(payload)
	}

	var line bytes.Buffer
	line.Grow(len(message.Kind) + len(table) + len(encoded) + 8)
	line.WriteString(string(message.Kind))
	line.WriteByte(' ')
	line.WriteString(table)
	line.WriteByte(' ')
	line.WriteString(messageFlags.String())
	line.WriteByte(' ')
	line.WriteString(encoded)
	line.WriteByte('\n')
	if line.Len() > MaxFrameSize {
		return nil, fmt.Errorf("encoding %s: frame of %d bytes exceeds limit", message.Kind, line.Len())
	}
	return line.Bytes(), nil
}

// Decode parses one wire line. The trailing LF (and a CR before it) is
// optional. When envelope is non-nil, unsealed messages other than
// KEY_XCHANGE are rejected. Every failure is an *InvalidMessageError.
func (c Codec) Decode(line []byte, envelope Envelope) (Message, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return Message{}, invalid("empty line")
	}

	fields := strings.Split(string(line), " ")
	if len(fields) != 4 {
		return Message{}, invalid("expected 4 fields, got %d", len(fields))
	}

	kind, err := ParseKind(fields[0])
	if err != nil {
		return Message{}, err
	}
	message := Message{Kind: kind}

	if fields[1] != absent {
		table, err := model.ParseTable(fields[1])
		if err != nil {
			return Message{}, invalidWrap(err, "%s", kind)
		}
		message.Table = table
	}
	if kind.IsEntryEvent() != (message.Table != "") {
		return Message{}, invalid("%s: table tag %q not valid for this kind", kind, fields[1])
	}

	messageFlags, err := parseFlags(fields[2])
	if err != nil {
		return Message{}, invalidWrap(err, "%s: flags", kind)
	}
	message.Ack = messageFlags.ack

	var payload []byte
	if fields[3] != absent {
		payload, err = payloadEncoding.DecodeString(fields[3])
		if err != nil {
			return Message{}, invalidWrap(err, "%s: payload encoding", kind)
		}
		if len(payload) == 0 {
			return Message{}, invalid("%s: empty payload must be written as %q", kind, absent)
		}
	}

	switch {
	case messageFlags.sealed && envelope == nil:
		return Message{}, invalid("%s: sealed payload before key exchange", kind)
	case messageFlags.sealed && !sealRequired(kind):
		return Message{}, invalid("%s: must not be sealed", kind)
	case !messageFlags.sealed && envelope != nil && sealRequired(kind):
		return Message{}, invalid("%s: unsealed message after key exchange", kind)
	}

	if messageFlags.sealed {
		if payload == nil {
			return Message{}, invalid("%s: sealed flag without payload", kind)
		}
		payload, err = envelope.Open(payload)
		if err != nil {
			return Message{}, invalidWrap(err, "%s: opening payload", kind)
		}
	}

	if messageFlags.compression != CompressionNone {
		if len(payload) == 0 {
			return Message{}, invalid("%s: compression flag without payload", kind)
		}
		payload, err = decompress(payload, messageFlags.compression)
		if err != nil {
			return Message{}, invalidWrap(err, "%s", kind)
		}
	}

	if len(payload) > 0 {
		if err := codec.Wellformed(payload); err != nil {
			return Message{}, invalidWrap(err, "%s: payload", kind)
		}
		message.Payload = payload
	}
	return message, nil
}
