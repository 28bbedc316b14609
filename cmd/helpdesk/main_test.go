// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/helpdesk/cmd/helpdesk/cli"
	"github.com/bureau-foundation/helpdesk/lib/clock"
	"github.com/bureau-foundation/helpdesk/lib/config"
	"github.com/bureau-foundation/helpdesk/lib/mockserver"
	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/secret"
	"github.com/bureau-foundation/helpdesk/lib/session"
	"github.com/bureau-foundation/helpdesk/lib/testutil"
)

// TestCommandTreeSummaries walks the command tree and checks that every
// command below the root has a summary for its parent's help listing.
func TestCommandTreeSummaries(t *testing.T) {
	root := rootCommand(&app{})
	walkCommands(root, nil, func(command *cli.Command, path []string) {
		if len(path) > 1 && command.Summary == "" {
			t.Errorf("%s: missing Summary", strings.Join(path, " "))
		}
		if command.Run == nil && len(command.Subcommands) == 0 {
			t.Errorf("%s: neither Run nor Subcommands", strings.Join(path, " "))
		}
	})
}

func walkCommands(command *cli.Command, path []string, visit func(*cli.Command, []string)) {
	current := make([]string, len(path)+1)
	copy(current, path)
	current[len(path)] = command.Name
	visit(command, current)
	for _, sub := range command.Subcommands {
		walkCommands(sub, current, visit)
	}
}

func TestVersionCommand(t *testing.T) {
	a, out := testApp(t)
	if err := rootCommand(a).Execute([]string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "helpdesk ") {
		t.Errorf("output = %q, want helpdesk prefix", out.String())
	}
}

func TestLoginIsRequired(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	a, _ := testApp(t)
	for _, args := range [][]string{
		{"watch", "--server", "127.0.0.1:1"},
		{"snapshot", "--server", "127.0.0.1:1"},
		{"message", "post", "--server", "127.0.0.1:1", "42", "hello"},
	} {
		err := rootCommand(a).Execute(args)
		if !errors.Is(err, cli.ErrUsage) {
			t.Errorf("%v: error = %v, want ErrUsage", args, err)
		}
	}
}

func TestInvalidArguments(t *testing.T) {
	a, _ := testApp(t)
	tests := []struct {
		name string
		args []string
	}{
		{"ticket id", []string{"message", "post", "--login", "alice", "abc", "hello"}},
		{"missing content", []string{"message", "post", "--login", "alice", "42"}},
		{"missing group", []string{"ticket", "create", "--login", "alice", "--title", "T", "body"}},
		{"unknown table", []string{"snapshot", "--login", "alice", "--table", "Bogus"}},
		{"open arity", []string{"ticket", "open", "--login", "alice"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := rootCommand(a).Execute(test.args)
			if !errors.Is(err, cli.ErrUsage) {
				t.Errorf("error = %v, want ErrUsage", err)
			}
		})
	}
}

func TestSnapshotPrintsFilteredTables(t *testing.T) {
	server := startServer(t)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		if _, err := peer.Expect(ctx, protocol.KindTableModel); err != nil {
			return err
		}
		return peer.SendPayload(protocol.KindTableModel, protocol.TableModel{
			Users:  []model.User{{ID: 1, Login: "alice", FirstName: "Alice", LastName: "Martin"}},
			Groups: []model.Group{{ID: 10, Name: "Support"}},
			Tickets: []model.Ticket{
				{ID: 100, Title: "Imprimante bloquée", GroupID: 10},
				{ID: 101, Title: "VPN down", GroupID: 10},
			},
			Messages: []model.Message{{ID: 1000, TicketID: 100, Content: "Paper jam", State: model.StateRead}},
		})
	})

	a, out := testApp(t)
	err := rootCommand(a).Execute(clientArgs(server, "snapshot", "--table", "Ticket", "--search", "imprimante"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	requireServed(t, done)

	output := out.String()
	for _, want := range []string{`Ticket (1 of 2 matching "imprimante")`, "#100", "Imprimante bloquée"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	for _, unwanted := range []string{"VPN down", "Support", "Paper jam"} {
		if strings.Contains(output, unwanted) {
			t.Errorf("output contains %q:\n%s", unwanted, output)
		}
	}
}

func TestTicketCreateSendsRequest(t *testing.T) {
	server := startServer(t)
	received := make(chan protocol.TicketCreate, 1)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		message, err := peer.Expect(ctx, protocol.KindTicket)
		if err != nil {
			return err
		}
		var request protocol.TicketCreate
		if err := message.DecodePayload(&request); err != nil {
			return err
		}
		received <- request
		return nil
	})

	a, out := testApp(t)
	args := clientArgs(server, "ticket", "create", "--group", "Support", "--title", "Printer", "The", "printer", "is", "jammed")
	if err := rootCommand(a).Execute(args); err != nil {
		t.Fatalf("ticket create: %v", err)
	}
	requireServed(t, done)

	request := testutil.RequireReceive(t, received, time.Second)
	want := protocol.TicketCreate{Title: "Printer", Group: "Support", Content: "The printer is jammed"}
	if request != want {
		t.Errorf("request = %+v, want %+v", request, want)
	}
	if !strings.Contains(out.String(), `ticket "Printer" submitted to Support`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestMessagePostSendsRequest(t *testing.T) {
	server := startServer(t)
	received := make(chan protocol.MessageCreate, 1)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		message, err := peer.Expect(ctx, protocol.KindMessage)
		if err != nil {
			return err
		}
		var request protocol.MessageCreate
		if err := message.DecodePayload(&request); err != nil {
			return err
		}
		received <- request
		return nil
	})

	a, _ := testApp(t)
	if err := rootCommand(a).Execute(clientArgs(server, "message", "post", "42", "Fixed,", "thanks")); err != nil {
		t.Fatalf("message post: %v", err)
	}
	requireServed(t, done)

	request := testutil.RequireReceive(t, received, time.Second)
	if request.TicketID != 42 || request.Content != "Fixed, thanks" {
		t.Errorf("request = %+v", request)
	}
}

func TestTicketOpenPrintsMessagesAndNotifies(t *testing.T) {
	server := startServer(t)
	clicked := make(chan protocol.TicketClicked, 1)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		if _, err := peer.Expect(ctx, protocol.KindLocalUpdate); err != nil {
			return err
		}
		if err := peer.SendPayload(protocol.KindLocalUpdateResponse, sampleLocalUpdate(model.StateRead)); err != nil {
			return err
		}
		message, err := peer.Expect(ctx, protocol.KindTicketClicked)
		if err != nil {
			return err
		}
		var notice protocol.TicketClicked
		if err := message.DecodePayload(&notice); err != nil {
			return err
		}
		clicked <- notice
		return nil
	})

	a, out := testApp(t)
	if err := rootCommand(a).Execute(clientArgs(server, "ticket", "open", "100")); err != nil {
		t.Fatalf("ticket open: %v", err)
	}
	requireServed(t, done)

	notice := testutil.RequireReceive(t, clicked, time.Second)
	if notice.TicketID != 100 || notice.GroupID != 10 {
		t.Errorf("notice = %+v, want ticket 100 in group 10", notice)
	}
	for _, want := range []string{"Printer", "Alice Martin: Paper jam"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestWatchPrintsUpdatesUntilDisconnect(t *testing.T) {
	server := startServer(t)
	receipts := make(chan []int64, 1)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		if _, err := expectLocalUpdate(ctx, peer); err != nil {
			return err
		}
		if err := peer.SendPayload(protocol.KindLocalUpdateResponse, sampleLocalUpdate(model.StatePending)); err != nil {
			return err
		}
		message, err := peer.Expect(ctx, protocol.KindMessageReceived)
		if err != nil {
			return err
		}
		var receipt protocol.MessageReceived
		if err := message.DecodePayload(&receipt); err != nil {
			return err
		}
		receipts <- receipt.MessageIDs
		return nil
	})

	a, out := testApp(t)
	if err := rootCommand(a).Execute(clientArgs(server, "watch", "--no-cache", "--no-reconnect")); err != nil {
		t.Fatalf("watch: %v", err)
	}
	requireServed(t, done)

	if ids := testutil.RequireReceive(t, receipts, time.Second); len(ids) != 1 || ids[0] != 1000 {
		t.Errorf("receipt = %v, want [1000]", ids)
	}
	for _, want := range []string{"1 groups, 1 tickets", "Support", "Printer", "1 new", "groups: Support, Sales", "disconnected"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestWatchRefusedLoginIsFatal(t *testing.T) {
	server := startServer(t)
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		_, err := peer.AcceptLogin(ctx, 0, func(protocol.Connection) error {
			return errors.New("bad credentials")
		})
		return err
	})

	a, _ := testApp(t)
	err := rootCommand(a).Execute(clientArgs(server, "watch", "--no-cache"))
	if !errors.Is(err, session.ErrConnectionRefused) {
		t.Fatalf("watch error = %v, want ErrConnectionRefused", err)
	}
	if !strings.Contains(err.Error(), "bad credentials") {
		t.Errorf("error %q does not carry the server's reason", err)
	}
	requireServed(t, done)
}

func TestWatchCacheLifecycle(t *testing.T) {
	server := startServer(t)
	cacheDirectory := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "helpdesk.yaml")
	configText := fmt.Sprintf("cache:\n  directory: %s\n", cacheDirectory)
	if err := os.WriteFile(configPath, []byte(configText), 0o600); err != nil {
		t.Fatal(err)
	}
	cachePath := replica.NewCache(cacheDirectory).Path(server.Addr(), "alice")

	// First run: no cache, full update, cache written on disconnect.
	done := serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		since, err := expectLocalUpdate(ctx, peer)
		if err != nil {
			return err
		}
		if since != 0 {
			return fmt.Errorf("first run since = %d, want 0", since)
		}
		return peer.SendPayload(protocol.KindLocalUpdateResponse, sampleLocalUpdate(model.StateRead))
	})
	a, _ := testApp(t)
	if err := rootCommand(a).Execute(clientArgs(server, "watch", "--config", configPath, "--no-reconnect")); err != nil {
		t.Fatalf("first watch: %v", err)
	}
	requireServed(t, done)
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("cache not written: %v", err)
	}

	// Second run: the cached replica asks only for newer changes, then
	// the server deletes the account.
	sinces := make(chan int64, 1)
	done = serve(t, server, func(ctx context.Context, peer *mockserver.Peer) error {
		if _, err := peer.AcceptLogin(ctx, 1, nil); err != nil {
			return err
		}
		since, err := expectLocalUpdate(ctx, peer)
		if err != nil {
			return err
		}
		sinces <- since
		return peer.SendEntry(protocol.KindEntryDeleted, model.TableUser, protocol.Entry{
			User: &model.User{ID: 1, Login: "alice"},
		})
	})
	a, out := testApp(t)
	err := rootCommand(a).Execute(clientArgs(server, "watch", "--config", configPath))
	if err == nil || !strings.Contains(err.Error(), "removed by the server") {
		t.Fatalf("second watch error = %v, want account removal", err)
	}
	requireServed(t, done)

	want := int64(1_700_000_060_000) - syncOverlap.Milliseconds()
	if since := testutil.RequireReceive(t, sinces, time.Second); since != want {
		t.Errorf("second run since = %d, want %d", since, want)
	}
	if !strings.Contains(out.String(), "your account was removed") {
		t.Errorf("output missing removal notice:\n%s", out.String())
	}
	if _, err := os.Stat(cachePath); !os.IsNotExist(err) {
		t.Errorf("cache still present after account removal: %v", err)
	}
}

func testApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	return &app{
		stdout: out,
		readPassword: func(string, bool) (*secret.Buffer, error) {
			return secret.NewFromBytes([]byte("hunter2"))
		},
		clock: clock.Real(),
	}, out
}

// startServer starts a key-exchange mock server and clears the
// configuration environment so only flags apply.
func startServer(t *testing.T) *mockserver.Server {
	t.Helper()
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvServer, "")
	server, err := mockserver.Listen(mockserver.Options{Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// serve runs handle against the next client and closes the peer when
// it returns.
func serve(t *testing.T, server *mockserver.Server, handle func(context.Context, *mockserver.Peer) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		peer, err := server.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer peer.Close()
		done <- handle(ctx, peer)
	}()
	return done
}

func requireServed(t *testing.T, done <-chan error) {
	t.Helper()
	if err := testutil.RequireReceive(t, done, 10*time.Second, "server handler"); err != nil {
		t.Fatalf("server: %v", err)
	}
}

func clientArgs(server *mockserver.Server, command ...string) []string {
	return append(command,
		"--login", "alice",
		"--server", server.Addr(),
		"--plaintext",
		"--log-level", "error",
		"--no-color",
	)
}

func TestResumeSince(t *testing.T) {
	overlap := syncOverlap.Milliseconds()
	for _, test := range []struct {
		syncedAt int64
		want     int64
	}{
		{syncedAt: 0, want: 0},
		{syncedAt: -5, want: 0},
		{syncedAt: 1, want: 1},
		{syncedAt: overlap, want: 1},
		{syncedAt: 1_700_000_000_000, want: 1_700_000_000_000 - overlap},
	} {
		if got := resumeSince(test.syncedAt); got != test.want {
			t.Errorf("resumeSince(%d) = %d, want %d", test.syncedAt, got, test.want)
		}
	}
}

func expectLocalUpdate(ctx context.Context, peer *mockserver.Peer) (int64, error) {
	message, err := peer.Expect(ctx, protocol.KindLocalUpdate)
	if err != nil {
		return 0, err
	}
	var request protocol.LocalUpdate
	if err := message.DecodePayload(&request); err != nil {
		return 0, err
	}
	return request.Since, nil
}

func sampleLocalUpdate(state model.MessageState) protocol.LocalUpdateResponse {
	return protocol.LocalUpdateResponse{
		RelatedGroups: []model.Group{{
			ID:   10,
			Name: "Support",
			Tickets: []model.Ticket{{
				ID:        100,
				Title:     "Printer",
				GroupID:   10,
				CreatedAt: 1_700_000_000_000,
				Messages: []model.Message{
					{ID: 1000, TicketID: 100, AuthorID: 1, Content: "Paper jam", State: state, CreatedAt: 1_700_000_060_000},
				},
			}},
		}},
		AllGroups: []string{"Support", "Sales"},
		Users:     []model.User{{ID: 1, Login: "alice", FirstName: "Alice", LastName: "Martin"}},
	}
}
