// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
)

// CreateTicket opens a ticket titled title in the named group with
// content as its first message. The new ticket arrives later as an
// ENTRY_ADDED.
func (s *Session) CreateTicket(title, group, content string) error {
	return s.request("creating ticket", protocol.KindTicket, protocol.TicketCreate{
		Title:   title,
		Group:   group,
		Content: content,
	})
}

// PostMessage adds a message to a ticket.
func (s *Session) PostMessage(ticketID int64, content string) error {
	return s.request("posting message", protocol.KindMessage, protocol.MessageCreate{
		TicketID: ticketID,
		Content:  content,
	})
}

// RequestLocalUpdate asks for the user's groups, tickets and messages
// changed since the epoch-millisecond time since. Zero asks for
// everything. The answer to a non-zero since is merged into the
// replica; the answer to zero replaces it.
func (s *Session) RequestLocalUpdate(since int64) error {
	const operation = "requesting local update"
	reconciler, err := s.loggedIn(operation)
	if err != nil {
		return err
	}
	// Recorded before sending so the answer cannot race ahead of it.
	reconciler.ExpectLocalUpdate(since)
	if err := s.send(operation, protocol.KindLocalUpdate, protocol.LocalUpdate{Since: since}); err != nil {
		reconciler.CancelLocalUpdate(since)
		return err
	}
	return nil
}

// NotifyTicketClicked tells the server the user opened ticket.
func (s *Session) NotifyTicketClicked(ticket model.Ticket) error {
	return s.request("notifying ticket click", protocol.KindTicketClicked, protocol.TicketClicked{
		TicketID: ticket.ID,
		GroupID:  ticket.GroupID,
	})
}

// RequestFullSnapshot asks for the four complete tables. The answer
// is a TABLE_MODEL.
func (s *Session) RequestFullSnapshot() error {
	return s.request("requesting full snapshot", protocol.KindTableModel, nil)
}

// request sends one upstream message on a logged-in session.
func (s *Session) request(operation string, kind protocol.Kind, payload any) error {
	if _, err := s.loggedIn(operation); err != nil {
		return err
	}
	return s.send(operation, kind, payload)
}

// loggedIn returns the reconciler of a live, logged-in session.
func (s *Session) loggedIn(operation string) (*reconcile.Reconciler, error) {
	switch s.State() {
	case StateEstablished, StateRunning:
	default:
		return nil, fmt.Errorf("%s: %w", operation, ErrNotEstablished)
	}
	s.mu.Lock()
	reconciler := s.reconciler
	s.mu.Unlock()
	if reconciler == nil {
		return nil, fmt.Errorf("%s: %w", operation, ErrNotConnected)
	}
	return reconciler, nil
}

func (s *Session) send(operation string, kind protocol.Kind, payload any) error {
	message, err := protocol.New(kind, payload)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if err := s.conn.Send(message); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}
