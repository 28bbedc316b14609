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
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/session"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

// Reconnect backoff bounds.
const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// syncOverlap is subtracted from the cached watermark when resuming,
// so rows committed with an earlier timestamp after the last snapshot
// are fetched again. Repeats are harmless: merging is idempotent.
const syncOverlap = 5 * time.Second

// resumeSince returns the since value for a LOCAL_UPDATE resuming
// from syncedAt. Zero asks for a full update.
func resumeSince(syncedAt int64) int64 {
	if syncedAt <= 0 {
		return 0
	}
	return max(syncedAt-syncOverlap.Milliseconds(), 1)
}

type watchOptions struct {
	connectionOptions
	noReconnect bool
	noCache     bool
}

func watchCommand(a *app) *cli.Command {
	var options watchOptions
	return &cli.Command{
		Name:    "watch",
		Summary: "Mirror the server and print changes as they arrive",
		Description: `Log in, request the user's groups, tickets and messages, and print
every change the server pushes until interrupted.

The replica is cached on disk, encrypted with a key derived from the
password, and reused on the next run so that only changes since the
last sync are fetched. When the connection drops the command
reconnects with exponential backoff (1s up to 30s). A refused login
or the deletion of the user's account ends the command.`,
		Usage: "helpdesk watch --login NAME [flags]",
		Examples: []cli.Example{
			{
				Description: "Watch as alice, reading the password from a file",
				Command:     "helpdesk watch --login alice --password-stdin < password.txt",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			options.addFlags(flagSet)
			flagSet.BoolVar(&options.noReconnect, "no-reconnect", false, "exit when the connection drops")
			flagSet.BoolVar(&options.noCache, "no-cache", false, "neither read nor write the replica cache")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageErrorf("unexpected argument %q", args[0])
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, a, &options)
		},
	}
}

func runWatch(ctx context.Context, a *app, options *watchOptions) error {
	conn, err := options.prepare(a)
	if err != nil {
		return err
	}
	defer conn.Close()

	server := conn.config.Server.Address
	var cache *replica.Cache
	if !options.noCache {
		cache = conn.cache()
	}

	var seed *replica.Replica
	if cache != nil {
		seed, err = cache.Load(server, conn.login, conn.password)
		switch {
		case errors.Is(err, replica.ErrNoCache):
			seed = nil
		case err != nil:
			conn.logger.Warn("ignoring unreadable replica cache", "path", cache.Path(server, conn.login), "error", err)
			seed = nil
		default:
			conn.logger.Info("loaded replica cache", "synced_at", seed.SyncedAt())
		}
	}

	output := a.printer(options.noColor)
	backoff := reconnectInitial
	for {
		client, err := conn.open(ctx, seed)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, session.ErrConnectionRefused) || options.noReconnect {
				return err
			}
			conn.logger.Warn("connection failed, retrying", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-a.clock.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectInitial

		sessionErr := watchSession(ctx, client, output, conn)
		seed = client.Replica()

		if errors.Is(sessionErr, reconcile.ErrLocalUserRemoved) {
			if cache != nil {
				if err := cache.Remove(server, conn.login); err != nil {
					conn.logger.Warn("removing replica cache failed", "error", err)
				}
			}
			return fmt.Errorf("account %q was removed by the server", conn.login)
		}
		if cache != nil && seed != nil {
			if err := cache.Save(server, seed, conn.password); err != nil {
				conn.logger.Warn("saving replica cache failed", "error", err)
			}
		}

		if ctx.Err() != nil || sessionErr == nil {
			return nil
		}
		if options.noReconnect {
			if errors.Is(sessionErr, transport.ErrDisconnected) {
				return nil
			}
			return sessionErr
		}
		conn.logger.Warn("session ended, reconnecting", "error", sessionErr, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(backoff):
		}
	}
}

// watchSession runs one logged-in session until it ends or ctx is
// cancelled, printing every event. It returns the session's error.
func watchSession(ctx context.Context, client *session.Session, output *printer, conn *connection) error {
	since := int64(0)
	if cached := client.Replica(); cached != nil {
		since = resumeSince(cached.SyncedAt())
	}

	sink := reconcile.NewEventSink(0)
	client.SetSink(sink)
	if err := client.Start(); err != nil {
		client.Close()
		return err
	}
	if err := client.RequestLocalUpdate(since); err != nil {
		conn.logger.Warn("requesting local update failed", "error", err)
	}

	events := sink.Events()
	for {
		select {
		case <-ctx.Done():
			client.Close()
			// Drain so the final Disconnected event is printed.
			for event := range events {
				output.Event(event)
			}
			return client.Err()
		case event, ok := <-events:
			if !ok {
				if dropped := sink.Dropped(); dropped > 0 {
					conn.logger.Warn("events dropped while printing", "count", dropped)
				}
				<-client.Done()
				return client.Err()
			}
			output.Event(event)
		}
	}
}
