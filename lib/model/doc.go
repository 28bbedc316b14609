// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the four replicated entity kinds: [User],
// [Group], [Ticket], and [Message].
//
// Every entity carries a server-assigned int64 identifier and
// implements [Entity], which is all the ordered store needs. On the
// wire a Group nests its Tickets and a Ticket nests its Messages; in
// the local replica the nesting is flattened and the children carry
// back-references (Ticket.GroupID, Message.TicketID).
//
// Search matching ([Entity.MatchesQuery]) is a substring test over the
// entity's display fields after Unicode case folding and removal of
// combining marks, so "ecole" finds "École".
package model
