// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
	"github.com/bureau-foundation/helpdesk/lib/session"
)

const defaultSnapshotTimeout = 30 * time.Second

type snapshotOptions struct {
	connectionOptions
	tables  []string
	search  string
	timeout time.Duration
}

func snapshotCommand(a *app) *cli.Command {
	var options snapshotOptions
	return &cli.Command{
		Name:    "snapshot",
		Summary: "Fetch the full four-table model and print it",
		Description: `Request a TABLE_MODEL snapshot of every user, group, ticket and
message the server holds, print the tables, and exit.

--search keeps rows whose display fields contain the query, ignoring
case and accents. --table limits output to the named tables.`,
		Usage: "helpdesk snapshot --login NAME [--table NAME]... [--search QUERY]",
		Examples: []cli.Example{
			{
				Description: "List tickets mentioning printers",
				Command:     "helpdesk snapshot --login alice --table Ticket --search imprimante",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
			options.addFlags(flagSet)
			flagSet.StringSliceVar(&options.tables, "table", nil, "table to print: Utilisateur, Groupe, Ticket, Message (repeatable)")
			flagSet.StringVarP(&options.search, "search", "s", "", "only print rows matching this query")
			flagSet.DurationVar(&options.timeout, "timeout", defaultSnapshotTimeout, "how long to wait for the snapshot")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageErrorf("unexpected argument %q", args[0])
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSnapshot(ctx, a, &options)
		},
	}
}

func runSnapshot(ctx context.Context, a *app, options *snapshotOptions) error {
	tables, err := parseTables(options.tables)
	if err != nil {
		return err
	}
	conn, err := options.prepare(a)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, sink, err := startSession(ctx, conn)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RequestFullSnapshot(); err != nil {
		return err
	}
	if _, err := awaitEvent(ctx, a, sink, reconcile.EventAllModels, options.timeout); err != nil {
		return fmt.Errorf("waiting for snapshot: %w", err)
	}

	a.printer(options.noColor).Tables(client.Replica(), tables, options.search)
	return nil
}

func parseTables(names []string) ([]model.Table, error) {
	if len(names) == 0 {
		return model.Tables, nil
	}
	tables := make([]model.Table, 0, len(names))
	for _, name := range names {
		table, err := model.ParseTable(name)
		if err != nil {
			return nil, cli.UsageErrorf("--table: %v", err)
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// startSession opens a session with an event sink attached and starts
// its receive loop.
func startSession(ctx context.Context, conn *connection) (*session.Session, *reconcile.EventSink, error) {
	client, err := conn.open(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	sink := reconcile.NewEventSink(0)
	client.SetSink(sink)
	if err := client.Start(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, sink, nil
}

// errSessionEnded is returned by awaitEvent when the session ends
// before the event arrives.
var errSessionEnded = errors.New("session ended")

// awaitEvent reads sink events until one of kind arrives.
func awaitEvent(ctx context.Context, a *app, sink *reconcile.EventSink, kind reconcile.EventKind, timeout time.Duration) (reconcile.Event, error) {
	deadline := a.clock.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return reconcile.Event{}, ctx.Err()
		case <-deadline:
			return reconcile.Event{}, fmt.Errorf("no %s after %s", kind, timeout)
		case event, ok := <-sink.Events():
			if !ok {
				return reconcile.Event{}, errSessionEnded
			}
			if event.Kind == kind {
				return event, nil
			}
			if event.Kind == reconcile.EventDisconnected {
				if event.Err != nil {
					return reconcile.Event{}, fmt.Errorf("%w: %v", errSessionEnded, event.Err)
				}
				return reconcile.Event{}, errSessionEnded
			}
		}
	}
}
