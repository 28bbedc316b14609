// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
)

func ticketCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:    "ticket",
		Summary: "Create and open tickets",
		Subcommands: []*cli.Command{
			ticketCreateCommand(a),
			ticketOpenCommand(a),
		},
	}
}

type ticketCreateOptions struct {
	connectionOptions
	group string
	title string
}

func ticketCreateCommand(a *app) *cli.Command {
	var options ticketCreateOptions
	return &cli.Command{
		Name:    "create",
		Summary: "Open a ticket in a group with a first message",
		Usage:   "helpdesk ticket create --login NAME --group GROUP --title TITLE MESSAGE...",
		Examples: []cli.Example{
			{
				Description: "Report a broken printer to the support group",
				Command:     `helpdesk ticket create --login alice --group Support --title "Printer" "The second floor printer is jammed"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			options.addFlags(flagSet)
			flagSet.StringVarP(&options.group, "group", "g", "", "group name (required)")
			flagSet.StringVarP(&options.title, "title", "t", "", "ticket title (required)")
			return flagSet
		},
		Run: func(args []string) error {
			switch {
			case options.group == "":
				return cli.UsageErrorf("--group is required")
			case options.title == "":
				return cli.UsageErrorf("--title is required")
			case len(args) == 0:
				return cli.UsageErrorf("a first message is required")
			}
			content := strings.Join(args, " ")
			return runOneShot(a, &options.connectionOptions, func(ctx context.Context, conn *connection) error {
				client, err := conn.open(ctx, nil)
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.CreateTicket(options.title, options.group, content); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "ticket %q submitted to %s\n", options.title, options.group)
				return nil
			})
		},
	}
}

type ticketOpenOptions struct {
	connectionOptions
	timeout time.Duration
}

func ticketOpenCommand(a *app) *cli.Command {
	var options ticketOpenOptions
	return &cli.Command{
		Name:    "open",
		Summary: "Print a ticket's messages and mark it as opened",
		Description: `Fetch the user's replica, print the messages of one ticket, and tell
the server the ticket was opened.`,
		Usage: "helpdesk ticket open --login NAME TICKET-ID",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("open", pflag.ContinueOnError)
			options.addFlags(flagSet)
			flagSet.DurationVar(&options.timeout, "timeout", defaultSnapshotTimeout, "how long to wait for the replica")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.UsageErrorf("expected exactly one ticket ID")
			}
			ticketID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return cli.UsageErrorf("invalid ticket ID %q", args[0])
			}
			return runOneShot(a, &options.connectionOptions, func(ctx context.Context, conn *connection) error {
				client, sink, err := startSession(ctx, conn)
				if err != nil {
					return err
				}
				defer client.Close()

				if err := client.RequestLocalUpdate(0); err != nil {
					return err
				}
				if _, err := awaitEvent(ctx, a, sink, reconcile.EventRelatedGroups, options.timeout); err != nil {
					return fmt.Errorf("waiting for replica: %w", err)
				}

				mirror := client.Replica()
				ticket, ok := mirror.Tickets().Get(ticketID)
				if !ok {
					return fmt.Errorf("ticket %d is not visible to %s", ticketID, conn.login)
				}
				if err := client.NotifyTicketClicked(ticket); err != nil {
					return err
				}

				output := a.printer(options.noColor)
				output.line(output.styles.header.Render(ticket.Title))
				for _, message := range mirror.Messages().All() {
					if message.TicketID != ticketID {
						continue
					}
					author := fmt.Sprintf("user %d", message.AuthorID)
					if user, ok := mirror.Users().Get(message.AuthorID); ok {
						author = user.DisplayName()
					}
					output.line(output.styles.dim.Render(author+":") + " " + describe(message))
				}
				return nil
			})
		},
	}
}

// runOneShot prepares a connection and runs fn with a context
// cancelled on interrupt.
func runOneShot(a *app, options *connectionOptions, fn func(context.Context, *connection) error) error {
	conn, err := options.prepare(a)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, conn)
}
