// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the helpdesk binary.
//
// A [Command] tree dispatches on the first positional argument, parses
// flags with github.com/spf13/pflag, prints structured help, and
// suggests the closest command or flag on typos. [NewCommandLogger]
// builds the slog logger every command uses, and [ReadPassword] reads
// the login password into locked memory.
package cli
