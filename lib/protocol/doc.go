// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the helpdesk client/server message set and
// its line encoding.
//
// A [Message] has a [Kind] from a closed set, an optional table tag
// naming the entity kind of an entry event, an ACK flag, and a CBOR
// payload whose shape is fixed by the kind (see payloads.go). On the
// wire each message is one line:
//
//	KIND SP TABLE SP FLAGS SP PAYLOAD LF
//
// TABLE is a [model.Table] or "-". FLAGS is "-" or a set of distinct
// letters: "a" (ack), "z" (zstd), "l" (lz4), "s" (sealed). PAYLOAD is
// "-" for an empty payload or the unpadded base64url encoding of the
// payload bytes, so no payload can contain a line terminator. Payload
// bytes are CBOR, optionally compressed, then optionally sealed with
// the session [Envelope].
//
// [Codec.Decode] is total: any malformed line yields an
// [*InvalidMessageError], never a panic.
package protocol
