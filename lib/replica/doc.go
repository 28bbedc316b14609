// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replica is the client's local copy of the server dataset.
//
// A [Replica] holds four flat ordered stores (users, groups, tickets,
// messages), the list of every group name, and the local user. The
// Group → Ticket → Message hierarchy is not stored; children carry
// their parent's ID and [Replica.Hierarchy] assembles the tree on
// read. Deleting a group removes its tickets and their messages;
// deleting a ticket removes its messages.
//
// A Replica is owned by one session. Compound updates (snapshot
// replacement, cascading deletes) hold the replica lock so readers
// never see a half-applied event; read accessors return detached
// copies.
//
// [Cache] persists a replica to disk encrypted under the user's
// password, so the next start can show the last known state and ask
// the server only for what changed since.
package replica
