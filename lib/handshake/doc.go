// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake establishes the session envelope on a fresh
// connection.
//
// [KeyExchange] swaps ephemeral age x25519 public keys in KEY_XCHANGE
// messages and installs a [sealed.Envelope] on the connection, so that
// every later message is sealed to the peer. [Plain] performs no
// exchange and leaves the connection unsealed; it exists for
// connections already protected by TLS client certificates and for
// tests. [Accept] is the server half of KeyExchange.
//
// Handshake reads are bounded by a timeout (5 s by default) and by the
// caller's context.
package handshake
