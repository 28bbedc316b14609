// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout pattern so individual tests never call
// time.After themselves. [Logger] returns a logger that discards
// output.
//
// All helpers call t.Fatalf on failure.
package testutil
