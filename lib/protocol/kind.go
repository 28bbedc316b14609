// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "github.com/bureau-foundation/helpdesk/lib/model"

// Kind identifies the purpose of a message and fixes its payload type.
type Kind string

const (
	// KindKeyExchange carries a [KeyExchange] public key. Always sent
	// unsealed.
	KindKeyExchange Kind = "KEY_XCHANGE"

	// KindConnection carries [Connection] credentials upstream. The
	// server answers with the same kind, ACK set on acceptance, and
	// a [ConnectionResult] payload.
	KindConnection Kind = "CONNECTION"

	// KindLocalUpdate asks for the user's replica ([LocalUpdate]).
	KindLocalUpdate Kind = "LOCAL_UPDATE"

	// KindLocalUpdateResponse carries a [LocalUpdateResponse].
	KindLocalUpdateResponse Kind = "LOCAL_UPDATE_RESPONSE"

	// KindTicket creates a ticket ([TicketCreate]).
	KindTicket Kind = "TICKET"

	// KindMessage posts a message to a ticket ([MessageCreate]).
	KindMessage Kind = "MESSAGE"

	// KindTicketClicked notifies the server that a ticket was opened
	// ([TicketClicked]).
	KindTicketClicked Kind = "TICKET_CLICKED"

	// KindTableModel requests (empty payload) or carries
	// ([TableModel]) the full four-table snapshot.
	KindTableModel Kind = "TABLE_MODEL"

	KindEntryAdded   Kind = "ENTRY_ADDED"
	KindEntryUpdated Kind = "ENTRY_UPDATED"
	KindEntryDeleted Kind = "ENTRY_DELETED"

	// KindMessageReceived acknowledges delivery of messages
	// ([MessageReceived]).
	KindMessageReceived Kind = "MESSAGE_RECEIVED"
)

var kinds = map[Kind]struct{}{
	KindKeyExchange:         {},
	KindConnection:          {},
	KindLocalUpdate:         {},
	KindLocalUpdateResponse: {},
	KindTicket:              {},
	KindMessage:             {},
	KindTicketClicked:       {},
	KindTableModel:          {},
	KindEntryAdded:          {},
	KindEntryUpdated:        {},
	KindEntryDeleted:        {},
	KindMessageReceived:     {},
}

// ParseKind validates a wire kind.
func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if _, ok := kinds[kind]; !ok {
		return "", invalid("unknown kind %q", value)
	}
	return kind, nil
}

// IsEntryEvent reports whether the kind is one of the three entry
// events, which require a table tag.
func (k Kind) IsEntryEvent() bool {
	return k == KindEntryAdded || k == KindEntryUpdated || k == KindEntryDeleted
}

// Message is one decoded protocol message.
type Message struct {
	Kind Kind

	// Table is set exactly when Kind is an entry event.
	Table model.Table

	// Ack marks acknowledgements, such as an accepted CONNECTION.
	Ack bool

	// Payload is the CBOR payload, empty for kinds without one.
	Payload []byte
}
