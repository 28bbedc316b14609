// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the session key exchange.
//
// Each side of a connection generates an ephemeral x25519 [Keypair]
// and publishes the public half in its KEY_XCHANGE message. An
// [Envelope] then seals outgoing payloads to the peer's public key and
// opens incoming payloads with the local private key. Private keys
// live in [secret.Buffer] memory.
package sealed
