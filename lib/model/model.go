// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Entity is the capability set the ordered store requires.
type Entity interface {
	// EntityID returns the server-assigned identifier. Stores order
	// entities ascending by it and hold at most one per ID.
	EntityID() int64

	// MatchesQuery reports whether the entity's display fields
	// contain query, ignoring case and accents. The empty query
	// matches everything.
	MatchesQuery(query string) bool
}

// Table names one of the four entity kinds as it appears on the wire.
type Table string

const (
	TableUser    Table = "Utilisateur"
	TableGroup   Table = "Groupe"
	TableTicket  Table = "Ticket"
	TableMessage Table = "Message"
)

// Tables lists every table in display order.
var Tables = []Table{TableUser, TableGroup, TableTicket, TableMessage}

// ParseTable validates a wire table tag.
func ParseTable(value string) (Table, error) {
	switch table := Table(value); table {
	case TableUser, TableGroup, TableTicket, TableMessage:
		return table, nil
	default:
		return "", fmt.Errorf("unknown table %q", value)
	}
}

// MessageState is the delivery state of a message as tracked by the
// server. States below StateReceived mean this client has not yet
// acknowledged the message.
type MessageState int

const (
	StateCreated  MessageState = 0
	StateStored   MessageState = 1
	StatePending  MessageState = 2
	StateReceived MessageState = 3
	StateRead     MessageState = 4
)

// Acknowledged reports whether the client has already confirmed
// receipt of a message in this state.
func (s MessageState) Acknowledged() bool { return s >= StateReceived }

// User is an account known to the server. Login is the stable external
// key the client uses to find its own record.
type User struct {
	ID        int64  `cbor:"id"`
	FirstName string `cbor:"first_name,omitempty"`
	LastName  string `cbor:"last_name,omitempty"`
	Login     string `cbor:"login"`
	Role      string `cbor:"role,omitempty"`

	// Credential is opaque server-provided material. Never logged.
	Credential []byte `cbor:"credential,omitempty"`
}

func (u User) EntityID() int64 { return u.ID }

func (u User) MatchesQuery(query string) bool {
	return matches(query, strconv.FormatInt(u.ID, 10), u.FirstName, u.LastName, u.Login, u.Role)
}

// DisplayName is "First Last", falling back to the login.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "" || u.LastName != "":
		return u.FirstName + u.LastName
	default:
		return u.Login
	}
}

// IsPlaceholder reports whether u is the login-only record set after
// authentication and before the first snapshot resolves it.
func (u User) IsPlaceholder() bool { return u.ID == 0 }

// LogValue omits Credential from structured logs.
func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", u.ID),
		slog.String("login", u.Login),
	)
}

// Group is a named collection of tickets.
type Group struct {
	ID   int64  `cbor:"id"`
	Name string `cbor:"name"`

	// Tickets is populated on the wire and by Replica.Hierarchy.
	// Groups held in a store have no tickets.
	Tickets []Ticket `cbor:"tickets,omitempty"`
}

func (g Group) EntityID() int64 { return g.ID }

func (g Group) MatchesQuery(query string) bool {
	return matches(query, strconv.FormatInt(g.ID, 10), g.Name)
}

// Ticket is a conversation thread inside a group.
type Ticket struct {
	ID        int64  `cbor:"id"`
	Title     string `cbor:"title"`
	GroupID   int64  `cbor:"group_id"`
	CreatedAt int64  `cbor:"created_at,omitempty"`

	// Messages is populated on the wire and by Replica.Hierarchy.
	// Tickets held in a store have no messages. Nil means the list
	// was not sent; an empty list means the ticket has no messages.
	Messages []Message `cbor:"messages"`
}

func (t Ticket) EntityID() int64 { return t.ID }

func (t Ticket) MatchesQuery(query string) bool {
	return matches(query, strconv.FormatInt(t.ID, 10), t.Title)
}

// Created returns CreatedAt as a time.
func (t Ticket) Created() time.Time { return time.UnixMilli(t.CreatedAt) }

// UnacknowledgedCount returns how many nested messages are below
// StateReceived.
func (t Ticket) UnacknowledgedCount() int {
	count := 0
	for _, message := range t.Messages {
		if !message.State.Acknowledged() {
			count++
		}
	}
	return count
}

// Message is one post in a ticket.
type Message struct {
	ID        int64        `cbor:"id"`
	TicketID  int64        `cbor:"ticket_id"`
	AuthorID  int64        `cbor:"author_id,omitempty"`
	Content   string       `cbor:"content"`
	CreatedAt int64        `cbor:"created_at,omitempty"`
	State     MessageState `cbor:"state"`
}

func (m Message) EntityID() int64 { return m.ID }

func (m Message) MatchesQuery(query string) bool {
	return matches(query, strconv.FormatInt(m.ID, 10), m.Content)
}

// Created returns CreatedAt as a time.
func (m Message) Created() time.Time { return time.UnixMilli(m.CreatedAt) }
