// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/testutil"
	"github.com/bureau-foundation/helpdesk/lib/transport"
)

func newConnPair(t *testing.T) (client, server *transport.Conn) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	client = transport.NewConn(clientEnd, transport.Options{Logger: testutil.Logger()})
	server = transport.NewConn(serverEnd, transport.Options{Logger: testutil.Logger()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// rawPeer returns a client Conn and a line reader over the raw server
// end, for peers that misbehave.
func rawPeer(t *testing.T) (*transport.Conn, net.Conn, *bufio.Reader) {
	t.Helper()
	serverEnd, clientEnd := net.Pipe()
	client := transport.NewConn(clientEnd, transport.Options{Logger: testutil.Logger()})
	t.Cleanup(func() {
		client.Close()
		serverEnd.Close()
	})
	return client, serverEnd, bufio.NewReader(serverEnd)
}

func TestKeyExchangeWithAccept(t *testing.T) {
	client, server := newConnPair(t)
	ctx := context.Background()

	type outcome struct {
		result *Result
		err    error
	}
	accepted := make(chan outcome, 1)
	go func() {
		result, err := Accept(ctx, server, time.Second)
		accepted <- outcome{result, err}
	}()

	clientResult, err := KeyExchange{Timeout: time.Second}.Perform(ctx, client)
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	serverOutcome := testutil.RequireReceive(t, accepted, 5*time.Second, "server handshake")
	if serverOutcome.err != nil {
		t.Fatalf("Accept: %v", serverOutcome.err)
	}

	if !clientResult.Sealed() || !client.Sealed() || !server.Sealed() {
		t.Fatal("handshake did not seal both ends")
	}
	if clientResult.PeerPublicKey != serverOutcome.result.LocalPublicKey ||
		serverOutcome.result.PeerPublicKey != clientResult.LocalPublicKey {
		t.Error("public keys were not exchanged symmetrically")
	}
	if client.ReadTimeout() != 0 {
		t.Errorf("read timeout not restored: %v", client.ReadTimeout())
	}

	// Sealed traffic flows both ways.
	received := make(chan protocol.Message, 1)
	go func() {
		message, err := server.Receive()
		if err != nil {
			t.Errorf("server Receive: %v", err)
		}
		received <- message
	}()
	if err := client.Send(protocol.Message{Kind: protocol.KindTableModel}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if message := testutil.RequireReceive(t, received, 5*time.Second, "sealed message"); message.Kind != protocol.KindTableModel {
		t.Errorf("Kind = %s", message.Kind)
	}
}

func TestKeyExchangeTimeout(t *testing.T) {
	client, _, reader := rawPeer(t)
	go reader.ReadString('\n')

	_, err := KeyExchange{Timeout: 50 * time.Millisecond}.Perform(context.Background(), client)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if client.Sealed() {
		t.Error("connection sealed after failed handshake")
	}
}

func TestKeyExchangeUnexpectedReply(t *testing.T) {
	client, serverEnd, reader := rawPeer(t)
	go func() {
		reader.ReadString('\n')
		serverEnd.Write([]byte("TABLE_MODEL - - -\n"))
	}()

	_, err := KeyExchange{Timeout: time.Second}.Perform(context.Background(), client)
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want ErrUnexpectedMessage", err)
	}
}

func TestKeyExchangeRejectsBadPeerKey(t *testing.T) {
	client, serverEnd, reader := rawPeer(t)
	reply, err := protocol.New(protocol.KindKeyExchange, protocol.KeyExchange{PublicKey: "age1notakey"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	line, err := protocol.Codec{}.Encode(reply, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	go func() {
		reader.ReadString('\n')
		serverEnd.Write(line)
	}()

	if _, err := (KeyExchange{Timeout: time.Second}).Perform(context.Background(), client); err == nil {
		t.Fatal("Perform accepted an invalid peer key")
	}
}

func TestKeyExchangeContextCancel(t *testing.T) {
	client, _, reader := rawPeer(t)
	go reader.ReadString('\n')

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := KeyExchange{Timeout: time.Minute}.Perform(ctx, client)
		result <- err
	}()
	cancel()

	err := testutil.RequireReceive(t, result, 5*time.Second, "Perform to return after cancel")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestParseStrategy(t *testing.T) {
	strategy, err := ParseStrategy("key-exchange", time.Second)
	if err != nil || strategy.Name() != NameKeyExchange {
		t.Errorf("ParseStrategy(key-exchange) = %v, %v", strategy, err)
	}
	strategy, err = ParseStrategy("plain", 0)
	if err != nil || strategy.Name() != NamePlain {
		t.Errorf("ParseStrategy(plain) = %v, %v", strategy, err)
	}
	if _, err := ParseStrategy("rot13", 0); err == nil {
		t.Error("ParseStrategy accepted an unknown name")
	}

	result, err := Plain{}.Perform(context.Background(), nil)
	if err != nil || result.Sealed() {
		t.Errorf("Plain.Perform = %+v, %v", result, err)
	}
}
