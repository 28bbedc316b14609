// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command helpdesk is a terminal client for a helpdesk server. It logs
// in, mirrors the user's groups, tickets and messages, prints changes
// as they arrive, and sends tickets and messages upstream.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/clock"
)

func main() {
	if err := run(); err != nil {
		// Commands that already reported their failure return an
		// error carrying the exit code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return rootCommand(&app{
		stdout:       os.Stdout,
		readPassword: cli.ReadPassword,
		clock:        clock.Real(),
	}).Execute(os.Args[1:])
}
