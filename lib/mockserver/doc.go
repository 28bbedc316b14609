// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockserver is a scriptable helpdesk server for tests.
//
// A [Server] listens on a loopback TCP port, runs the responder side
// of the handshake for each incoming connection, and hands the result
// to the test as a [Peer]. The test then drives the conversation:
// answering the login, pushing snapshots and entry events, and reading
// what the client sent upstream.
//
//	server, err := mockserver.Listen(mockserver.Options{Logger: logger})
//	...
//	client, err := session.Dial(ctx, server.DialConfig(), options)
//	peer, err := server.Accept(ctx)
//	peer.AcceptLogin(ctx, nil)
//	peer.SendPayload(protocol.KindTableModel, snapshot)
package mockserver
