// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// Components that wait (handshake deadlines, reconnect backoff, cache
// timestamps) take a [Clock] instead of calling the time package
// directly. Production code passes [Real]; tests pass [Fake] and move
// time with [FakeClock.Advance].
package clock
