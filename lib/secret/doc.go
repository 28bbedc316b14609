// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds passwords and private keys in memory that the
// Go runtime never sees.
//
// A [Buffer] is an anonymous mmap region, locked into RAM and excluded
// from core dumps. The client keeps the login password (needed again
// on every reconnect and for the replica cache key) and the age
// private key of the current session in Buffers. Close zeros and
// unmaps the region; any access after Close panics.
package secret
