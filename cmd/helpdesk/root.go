// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/clock"
	"github.com/bureau-foundation/helpdesk/lib/secret"
	"github.com/bureau-foundation/helpdesk/lib/version"
)

// app carries what commands need from the process.
type app struct {
	stdout       io.Writer
	readPassword func(prompt string, fromStdin bool) (*secret.Buffer, error)
	clock        clock.Clock
}

// printer builds the event printer for stdout. Color and truncation
// apply only when stdout is a terminal.
func (a *app) printer(noColor bool) *printer {
	file, ok := a.stdout.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return newPrinter(a.stdout, 0, false)
	}
	width := defaultWidth
	if columns, _, err := term.GetSize(int(file.Fd())); err == nil && columns > 0 {
		width = columns
	}
	return newPrinter(a.stdout, width, !noColor)
}

func rootCommand(a *app) *cli.Command {
	return &cli.Command{
		Name: "helpdesk",
		Description: `Helpdesk: terminal client for a helpdesk server.

Connects over an encrypted line protocol, keeps a local replica of
the groups, tickets and messages visible to the logged-in user, and
acknowledges delivered messages.

The server address comes from --server, the HELPDESK_SERVER
environment variable, or the file named by HELPDESK_CONFIG.`,
		Subcommands: []*cli.Command{
			watchCommand(a),
			snapshotCommand(a),
			ticketCommand(a),
			messageCommand(a),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					if len(args) > 0 {
						return cli.UsageErrorf("unexpected argument %q", args[0])
					}
					fmt.Fprintf(a.stdout, "helpdesk %s\n", version.Full())
					return nil
				},
			},
		},
	}
}
