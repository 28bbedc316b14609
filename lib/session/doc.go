// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives one client connection to the helpdesk server.
//
// A [Session] runs the handshake when it is created, logs the user in
// with [Session.Connect], and then, after [Session.Start], runs a
// single goroutine that receives downstream messages in arrival order
// and hands them to a [reconcile.Reconciler]. Replica changes reach the
// caller through the [reconcile.Sink] attached with [Session.SetSink].
//
// The lifecycle is a small state machine:
//
//	Handshaking → Established → Running → Disconnected | Faulted
//
// Upstream requests (ticket creation, message posts, snapshot
// requests) may be issued from any goroutine once the session is
// logged in; they share the connection's write lock with the
// automatic delivery receipts sent by the loop.
//
// A session never reconnects by itself. When [Session.Done] closes the
// caller decides whether to dial again.
package session
