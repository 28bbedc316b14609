// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of the helpdesk client is
// running, for "helpdesk version" and for log lines written at
// startup.
//
// Release builds set [Version], [GitCommit], [GitDirty] and
// [BuildTime] with -ldflags -X. Builds without those flags fall back
// to the VCS stamp the Go toolchain embeds, read once through
// runtime/debug.
package version
