// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for protocol
// payloads and the on-disk replica cache.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// payload always produces the same bytes. Decoding ignores unknown
// fields so an older client tolerates a newer server's payloads, and
// caps nesting and container sizes so a hostile peer cannot make the
// decoder allocate without bound.
//
// Consumers import this package rather than fxamacker/cbor directly.
package codec
