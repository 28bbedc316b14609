// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/replica"
)

// ErrLocalUserRemoved is returned by Apply when the server deleted the
// logged-in user. The session must stop.
var ErrLocalUserRemoved = errors.New("reconcile: local user was deleted")

// Sender sends protocol messages upstream. *transport.Conn implements
// it.
type Sender interface {
	Send(message protocol.Message) error
}

// Reconciler applies downstream messages to a replica.
type Reconciler struct {
	replica *replica.Replica
	sender  Sender
	logger  *slog.Logger

	localUserRemoved atomic.Bool

	// pendingSince holds the since time of each LOCAL_UPDATE sent and
	// not yet answered, oldest first.
	pendingMu    sync.Mutex
	pendingSince []int64
}

// New returns a reconciler for target that acknowledges messages
// through sender.
func New(target *replica.Replica, sender Sender, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		replica: target,
		sender:  sender,
		logger:  logger,
	}
}

// Apply handles one message. Kinds the client does not act on are
// logged and ignored. Malformed payloads return an
// *protocol.InvalidMessageError and leave the replica unchanged.
func (r *Reconciler) Apply(message protocol.Message, sink Sink) error {
	switch message.Kind {
	case protocol.KindLocalUpdateResponse:
		return r.applyLocalUpdate(message, sink)
	case protocol.KindTableModel:
		return r.applyTableModel(message, sink)
	case protocol.KindEntryAdded, protocol.KindEntryUpdated:
		return r.applyUpsert(message, sink)
	case protocol.KindEntryDeleted:
		return r.applyDelete(message, sink)
	default:
		r.logger.Debug("ignoring message", "kind", message.Kind)
		return nil
	}
}

// ExpectLocalUpdate records that a LOCAL_UPDATE with since was sent.
// Responses are matched to requests in order: the answer to a non-zero
// since is merged into the replica, any other answer replaces it.
func (r *Reconciler) ExpectLocalUpdate(since int64) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pendingSince = append(r.pendingSince, since)
}

// CancelLocalUpdate withdraws the most recent pending request for
// since, for a request that never reached the server.
func (r *Reconciler) CancelLocalUpdate(since int64) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for index := len(r.pendingSince) - 1; index >= 0; index-- {
		if r.pendingSince[index] == since {
			r.pendingSince = slices.Delete(r.pendingSince, index, index+1)
			return
		}
	}
}

// Discard accounts for a message that is dropped without being
// applied, so that later LOCAL_UPDATE answers stay paired with their
// requests.
func (r *Reconciler) Discard(message protocol.Message) {
	if message.Kind == protocol.KindLocalUpdateResponse {
		since := r.nextPendingSince()
		r.logger.Debug("discarded local update answer", "since", since)
	}
}

func (r *Reconciler) nextPendingSince() int64 {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pendingSince) == 0 {
		return 0
	}
	since := r.pendingSince[0]
	r.pendingSince = r.pendingSince[1:]
	return since
}

func (r *Reconciler) applyLocalUpdate(message protocol.Message, sink Sink) error {
	var response protocol.LocalUpdateResponse
	if err := message.DecodePayload(&response); err != nil {
		return err
	}

	watermark := latestCreatedAt(response.RelatedGroups, nil, nil)
	var found bool
	if since := r.nextPendingSince(); since > 0 {
		watermark = max(watermark, r.replica.SyncedAt())
		found = r.replica.MergeLocalUpdate(response.Users, response.RelatedGroups, response.AllGroups, watermark)
		r.logger.Debug("merged incremental local update", "since", since, "synced_at", watermark)
	} else {
		found = r.replica.ApplyLocalUpdate(response.Users, response.RelatedGroups, response.AllGroups, watermark)
	}
	if !found {
		r.logger.Warn("local user missing from snapshot", "login", r.replica.Login())
	}

	sink.RelatedGroupsChanged(r.replica.Hierarchy())
	sink.GroupListChanged(r.replica.GroupNames())

	var receipts []int64
	for _, group := range response.RelatedGroups {
		receipts = appendGroupReceipts(receipts, group)
	}
	r.acknowledge(receipts)
	return nil
}

func (r *Reconciler) applyTableModel(message protocol.Message, sink Sink) error {
	var snapshot protocol.TableModel
	if err := message.DecodePayload(&snapshot); err != nil {
		return err
	}

	watermark := latestCreatedAt(snapshot.Groups, snapshot.Tickets, snapshot.Messages)
	found := r.replica.ApplyTableModel(snapshot.Users, snapshot.Groups, snapshot.Tickets, snapshot.Messages, watermark)
	if !found {
		r.logger.Warn("local user missing from table model", "login", r.replica.Login())
	}

	sink.AllModelsReplaced(
		r.replica.Users().All(),
		r.replica.Groups().All(),
		r.replica.Tickets().All(),
		r.replica.Messages().All(),
	)

	var receipts []int64
	for _, group := range snapshot.Groups {
		receipts = appendGroupReceipts(receipts, group)
	}
	for _, ticket := range snapshot.Tickets {
		receipts = appendTicketReceipts(receipts, ticket)
	}
	receipts = appendMessageReceipts(receipts, snapshot.Messages...)
	r.acknowledge(receipts)
	return nil
}

func (r *Reconciler) applyUpsert(message protocol.Message, sink Sink) error {
	entry, entity, err := message.DecodeEntry()
	if err != nil {
		return err
	}
	refs := Refs{GroupID: entry.GroupID, TicketID: entry.TicketID}

	var receipts []int64
	switch value := entity.(type) {
	case model.User:
		r.replica.UpsertUser(value)
	case model.Group:
		r.replica.UpsertGroup(value)
		receipts = appendGroupReceipts(receipts, value)
		value.Tickets = nil
		entity = value
	case model.Ticket:
		if refs.GroupID == 0 {
			refs.GroupID = value.GroupID
		}
		r.replica.UpsertTicket(refs.GroupID, value)
		receipts = appendTicketReceipts(receipts, value)
		if value.GroupID == 0 {
			value.GroupID = refs.GroupID
		}
		entity = value
	case model.Message:
		if refs.TicketID == 0 {
			refs.TicketID = value.TicketID
		}
		if refs.GroupID == 0 {
			if ticket, ok := r.replica.Tickets().Get(refs.TicketID); ok {
				refs.GroupID = ticket.GroupID
			}
		}
		r.replica.UpsertMessage(refs.TicketID, value)
		receipts = appendMessageReceipts(receipts, value)
		if value.TicketID == 0 {
			value.TicketID = refs.TicketID
		}
		entity = value
	default:
		return fmt.Errorf("unhandled entity type %T", entity)
	}

	if message.Kind == protocol.KindEntryAdded {
		sink.EntityAdded(message.Table, entity, refs)
	} else {
		sink.EntityUpdated(message.Table, entity, refs)
	}
	r.acknowledge(receipts)
	return nil
}

func (r *Reconciler) applyDelete(message protocol.Message, sink Sink) error {
	entry, entity, err := message.DecodeEntry()
	if err != nil {
		return err
	}
	refs := Refs{GroupID: entry.GroupID, TicketID: entry.TicketID}

	switch value := entity.(type) {
	case model.User:
		if r.replica.IsLocalUser(value) {
			r.replica.RemoveUser(value.ID)
			if r.localUserRemoved.CompareAndSwap(false, true) {
				r.logger.Warn("local user deleted by server", "user", value)
				sink.LocalUserRemoved()
			}
			return ErrLocalUserRemoved
		}
		if removed, ok := r.replica.RemoveUser(value.ID); ok {
			entity = removed
		}
	case model.Group:
		if removed, ok := r.replica.RemoveGroup(value.ID); ok {
			entity = removed
		}
	case model.Ticket:
		if removed, ok := r.replica.RemoveTicket(value.ID); ok {
			entity = removed
			if refs.GroupID == 0 {
				refs.GroupID = removed.GroupID
			}
		}
	case model.Message:
		if removed, ok := r.replica.RemoveMessage(value.ID); ok {
			entity = removed
			if refs.TicketID == 0 {
				refs.TicketID = removed.TicketID
			}
		}
	default:
		return fmt.Errorf("unhandled entity type %T", entity)
	}

	sink.EntityDeleted(message.Table, entity, refs)
	return nil
}

// acknowledge sends one MESSAGE_RECEIVED for ids, deduplicated and
// sorted. Nothing is sent for an empty batch. Send failures are logged:
// the server redelivers unacknowledged messages on the next snapshot.
func (r *Reconciler) acknowledge(ids []int64) {
	if len(ids) == 0 {
		return
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	message, err := protocol.New(protocol.KindMessageReceived, protocol.MessageReceived{MessageIDs: ids})
	if err != nil {
		r.logger.Error("encoding receipt", "error", err)
		return
	}
	if err := r.sender.Send(message); err != nil {
		r.logger.Warn("sending receipt failed", "count", len(ids), "error", err)
		return
	}
	r.logger.Debug("acknowledged messages", "count", len(ids))
}

func appendGroupReceipts(ids []int64, group model.Group) []int64 {
	for _, ticket := range group.Tickets {
		ids = appendTicketReceipts(ids, ticket)
	}
	return ids
}

func appendTicketReceipts(ids []int64, ticket model.Ticket) []int64 {
	return appendMessageReceipts(ids, ticket.Messages...)
}

func appendMessageReceipts(ids []int64, messages ...model.Message) []int64 {
	for _, message := range messages {
		if !message.State.Acknowledged() {
			ids = append(ids, message.ID)
		}
	}
	return ids
}

// latestCreatedAt returns the newest server creation time among the
// tickets and messages of a snapshot, nested or flat. Zero means the
// snapshot carries none.
func latestCreatedAt(groups []model.Group, tickets []model.Ticket, messages []model.Message) int64 {
	var latest int64
	for _, group := range groups {
		latest = max(latest, latestCreatedAt(nil, group.Tickets, nil))
	}
	for _, ticket := range tickets {
		latest = max(latest, ticket.CreatedAt, latestCreatedAt(nil, nil, ticket.Messages))
	}
	for _, message := range messages {
		latest = max(latest, message.CreatedAt)
	}
	return latest
}
