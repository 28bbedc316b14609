// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
)

func messageCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:    "message",
		Summary: "Post messages to tickets",
		Subcommands: []*cli.Command{
			messagePostCommand(a),
		},
	}
}

func messagePostCommand(a *app) *cli.Command {
	var options connectionOptions
	return &cli.Command{
		Name:    "post",
		Summary: "Post a message to a ticket",
		Usage:   "helpdesk message post --login NAME TICKET-ID MESSAGE...",
		Examples: []cli.Example{
			{
				Description: "Reply on ticket 42",
				Command:     `helpdesk message post --login alice 42 "Fixed, thanks"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("post", pflag.ContinueOnError)
			options.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return cli.UsageErrorf("expected a ticket ID and a message")
			}
			ticketID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return cli.UsageErrorf("invalid ticket ID %q", args[0])
			}
			content := strings.Join(args[1:], " ")
			return runOneShot(a, &options, func(ctx context.Context, conn *connection) error {
				client, err := conn.open(ctx, nil)
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.PostMessage(ticketID, content); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "message posted to ticket %d\n", ticketID)
				return nil
			})
		},
	}
}
