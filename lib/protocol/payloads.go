// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/helpdesk/lib/codec"
	"github.com/bureau-foundation/helpdesk/lib/model"
)

// KeyExchange is the payload of KEY_XCHANGE.
type KeyExchange struct {
	PublicKey string `cbor:"public_key"`
}

// Connection is the upstream CONNECTION payload.
type Connection struct {
	Login    string `cbor:"login"`
	Password string `cbor:"password"`
}

// ConnectionResult is the server's CONNECTION answer. Error is set
// when the ACK flag is not.
type ConnectionResult struct {
	UserID int64  `cbor:"user_id,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// LocalUpdate asks for everything changed since Since (epoch ms). Zero
// asks for everything.
type LocalUpdate struct {
	Since int64 `cbor:"since"`
}

// LocalUpdateResponse is the user-scoped replica: the groups the user
// belongs to with nested tickets and messages, the names of every
// group, and the user directory.
type LocalUpdateResponse struct {
	RelatedGroups []model.Group `cbor:"related_groups"`
	AllGroups     []string      `cbor:"all_groups"`
	Users         []model.User  `cbor:"users"`
}

// TicketCreate opens a ticket in the named group with a first message.
type TicketCreate struct {
	Title   string `cbor:"title"`
	Group   string `cbor:"group"`
	Content string `cbor:"content"`
}

// MessageCreate posts Content to a ticket.
type MessageCreate struct {
	TicketID int64  `cbor:"ticket_id"`
	Content  string `cbor:"content"`
}

// TicketClicked tells the server a ticket was opened by the user.
type TicketClicked struct {
	TicketID int64 `cbor:"ticket_id"`
	GroupID  int64 `cbor:"group_id,omitempty"`
}

// TableModel is the full four-table snapshot.
type TableModel struct {
	Users    []model.User    `cbor:"users"`
	Groups   []model.Group   `cbor:"groups"`
	Tickets  []model.Ticket  `cbor:"tickets"`
	Messages []model.Message `cbor:"messages"`
}

// Entry is the payload of ENTRY_ADDED, ENTRY_UPDATED, and
// ENTRY_DELETED. Exactly the entity named by the message's table tag
// is set. GroupID and TicketID locate a ticket or message in the
// hierarchy.
type Entry struct {
	GroupID  int64 `cbor:"group_id,omitempty"`
	TicketID int64 `cbor:"ticket_id,omitempty"`

	User    *model.User    `cbor:"user,omitempty"`
	Group   *model.Group   `cbor:"group,omitempty"`
	Ticket  *model.Ticket  `cbor:"ticket,omitempty"`
	Message *model.Message `cbor:"message,omitempty"`
}

// Entity returns the entity for table, or an error if it is absent or
// another entity is also present.
func (e Entry) Entity(table model.Table) (model.Entity, error) {
	present := 0
	for _, set := range []bool{e.User != nil, e.Group != nil, e.Ticket != nil, e.Message != nil} {
		if set {
			present++
		}
	}
	if present != 1 {
		return nil, fmt.Errorf("entry carries %d entities, want exactly 1", present)
	}
	switch {
	case table == model.TableUser && e.User != nil:
		return *e.User, nil
	case table == model.TableGroup && e.Group != nil:
		return *e.Group, nil
	case table == model.TableTicket && e.Ticket != nil:
		return *e.Ticket, nil
	case table == model.TableMessage && e.Message != nil:
		return *e.Message, nil
	default:
		return nil, fmt.Errorf("entry does not carry a %s", table)
	}
}

// MessageReceived acknowledges the listed message IDs.
type MessageReceived struct {
	MessageIDs []int64 `cbor:"message_ids"`
}

// New builds a message of kind with payload encoded as CBOR. A nil
// payload leaves the message empty.
func New(kind Kind, payload any) (Message, error) {
	message := Message{Kind: kind}
	if payload == nil {
		return message, nil
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	message.Payload = data
	return message, nil
}

// NewEntry builds an entry event for table.
func NewEntry(kind Kind, table model.Table, entry Entry) (Message, error) {
	if !kind.IsEntryEvent() {
		return Message{}, fmt.Errorf("%s is not an entry event", kind)
	}
	if _, err := entry.Entity(table); err != nil {
		return Message{}, err
	}
	message, err := New(kind, entry)
	if err != nil {
		return Message{}, err
	}
	message.Table = table
	return message, nil
}

// DecodePayload decodes the message payload into target. A missing
// payload is an error for every kind that defines one.
func (m Message) DecodePayload(target any) error {
	if len(m.Payload) == 0 {
		return invalid("%s: missing payload", m.Kind)
	}
	if err := codec.Unmarshal(m.Payload, target); err != nil {
		return invalidWrap(err, "%s: decoding payload", m.Kind)
	}
	return nil
}

// DecodeEntry decodes an entry event and returns the entry together
// with the entity selected by the table tag.
func (m Message) DecodeEntry() (Entry, model.Entity, error) {
	if !m.Kind.IsEntryEvent() {
		return Entry{}, nil, invalid("%s is not an entry event", m.Kind)
	}
	var entry Entry
	if err := m.DecodePayload(&entry); err != nil {
		return Entry{}, nil, err
	}
	entity, err := entry.Entity(m.Table)
	if err != nil {
		return Entry{}, nil, invalidWrap(err, "%s %s", m.Kind, m.Table)
	}
	return entry, entity, nil
}

// IsInvalid reports whether err is or wraps an *InvalidMessageError.
func IsInvalid(err error) bool {
	var invalidMessage *InvalidMessageError
	return errors.As(err, &invalidMessage)
}
