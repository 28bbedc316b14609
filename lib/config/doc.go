// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the helpdesk client configuration.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the HELPDESK_CONFIG environment variable (via
// [Load]). There is no file discovery. The file is YAML, or JSON with
// comments and trailing commas when its extension is .json or .jsonc.
// Unknown keys are errors.
//
// The only environment override is HELPDESK_SERVER, which replaces
// server.address so the same file can point at different servers.
// Path fields expand ${HOME}, ${HELPDESK_CACHE} and ${VAR:-default}.
//
// Key exports:
//
//   - [Config] -- Server, Session, Cache and Log sections
//   - [Default] -- a Config with every default filled in
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- a time.Duration written as "5s" in files
package config
