// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/protocol"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/testutil"
)

// recordingSender captures upstream messages.
type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (s *recordingSender) Send(message protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, message)
	return nil
}

// receipts decodes every MESSAGE_RECEIVED sent so far.
func (s *recordingSender) receipts(t *testing.T) [][]int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var batches [][]int64
	for _, message := range s.sent {
		if message.Kind != protocol.KindMessageReceived {
			t.Fatalf("unexpected upstream message %s", message.Kind)
		}
		var receipt protocol.MessageReceived
		if err := message.DecodePayload(&receipt); err != nil {
			t.Fatalf("decoding receipt: %v", err)
		}
		batches = append(batches, receipt.MessageIDs)
	}
	return batches
}

type fixture struct {
	replica    *replica.Replica
	sender     *recordingSender
	sink       *EventSink
	reconciler *Reconciler
}

func newFixture(login string) *fixture {
	target := replica.New(login)
	sender := &recordingSender{}
	return &fixture{
		replica:    target,
		sender:     sender,
		sink:       NewEventSink(64),
		reconciler: New(target, sender, testutil.Logger()),
	}
}

func (f *fixture) apply(t *testing.T, message protocol.Message) error {
	t.Helper()
	return f.reconciler.Apply(message, f.sink)
}

func (f *fixture) nextEvent(t *testing.T) Event {
	t.Helper()
	return testutil.RequireReceive(t, f.sink.Events(), time.Second, "waiting for sink event")
}

func (f *fixture) requireNoEvent(t *testing.T) {
	t.Helper()
	testutil.RequireNoReceive(t, f.sink.Events(), 20*time.Millisecond, "sink event")
}

func mustMessage(t *testing.T, kind protocol.Kind, payload any) protocol.Message {
	t.Helper()
	message, err := protocol.New(kind, payload)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	return message
}

func mustEntry(t *testing.T, kind protocol.Kind, table model.Table, entry protocol.Entry) protocol.Message {
	t.Helper()
	message, err := protocol.NewEntry(kind, table, entry)
	if err != nil {
		t.Fatalf("protocol.NewEntry: %v", err)
	}
	return message
}

func TestLocalUpdateResolvesLocalUserByLogin(t *testing.T) {
	f := newFixture("abc")
	err := f.apply(t, mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users: []model.User{{ID: 4, Login: "zzz"}, {ID: 9, Login: "abc", FirstName: "Alice"}},
		RelatedGroups: []model.Group{{ID: 1, Name: "G1", Tickets: []model.Ticket{{ID: 10, Messages: []model.Message{
			{ID: 100, State: 1}, {ID: 101, State: 3}, {ID: 102, State: 0},
		}}}}},
		AllGroups: []string{"G1", "G2"},
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if user := f.replica.LocalUser(); user.ID != 9 || user.FirstName != "Alice" {
		t.Errorf("LocalUser = %+v, want the abc record", user)
	}

	related := f.nextEvent(t)
	if related.Kind != EventRelatedGroups || len(related.Groups) != 1 || len(related.Groups[0].Tickets[0].Messages) != 3 {
		t.Errorf("first event = %+v", related)
	}
	names := f.nextEvent(t)
	if names.Kind != EventGroupList || !slices.Equal(names.GroupNames, []string{"G1", "G2"}) {
		t.Errorf("second event = %+v", names)
	}

	batches := f.sender.receipts(t)
	if len(batches) != 1 || !slices.Equal(batches[0], []int64{100, 102}) {
		t.Errorf("receipts = %v, want [[100 102]]", batches)
	}
}

func TestSyncedAtFollowsServerTimestamps(t *testing.T) {
	f := newFixture("abc")
	err := f.apply(t, mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users: []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 1, Name: "G1", Tickets: []model.Ticket{
			{ID: 10, CreatedAt: 1_000, Messages: []model.Message{{ID: 100, CreatedAt: 1_500, State: 3}}},
			{ID: 11, CreatedAt: 1_200},
		}}},
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Rows the server created after 1_500 but before the answer was
	// applied must still be newer than the watermark.
	if got := f.replica.SyncedAt(); got != 1_500 {
		t.Errorf("SyncedAt after full update = %d, want 1500", got)
	}

	// An incremental answer with only older rows keeps the watermark.
	f.reconciler.ExpectLocalUpdate(1_500)
	err = f.apply(t, mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users:         []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 2, Name: "G2", Tickets: []model.Ticket{{ID: 20, CreatedAt: 900}}}},
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := f.replica.SyncedAt(); got != 1_500 {
		t.Errorf("SyncedAt after merge = %d, want 1500", got)
	}

	err = f.apply(t, mustMessage(t, protocol.KindTableModel, protocol.TableModel{
		Users:    []model.User{{ID: 9, Login: "abc"}},
		Tickets:  []model.Ticket{{ID: 30, GroupID: 1, CreatedAt: 2_000}},
		Messages: []model.Message{{ID: 300, TicketID: 30, CreatedAt: 2_400, State: 3}},
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := f.replica.SyncedAt(); got != 2_400 {
		t.Errorf("SyncedAt after table model = %d, want 2400", got)
	}
}

func TestDiscardedAnswerKeepsRequestsPaired(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertGroup(model.Group{ID: 9, Name: "stale"})

	f.reconciler.ExpectLocalUpdate(1_600_000_000_000)
	f.reconciler.ExpectLocalUpdate(0)

	answer := mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users:         []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 1, Name: "G1"}},
	})
	f.reconciler.Discard(answer)
	// Other kinds do not consume a pending request.
	f.reconciler.Discard(mustEntry(t, protocol.KindEntryAdded, model.TableGroup, protocol.Entry{Group: &model.Group{ID: 3}}))

	if err := f.apply(t, answer); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.replica.Groups().Contains(9) || f.replica.Groups().Len() != 1 {
		t.Errorf("groups = %+v, want only G1", f.replica.Groups().All())
	}
}

func TestCancelledLocalUpdateIsForgotten(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertGroup(model.Group{ID: 9, Name: "stale"})

	f.reconciler.ExpectLocalUpdate(0)
	f.reconciler.ExpectLocalUpdate(1_600_000_000_000)
	f.reconciler.CancelLocalUpdate(1_600_000_000_000)

	if err := f.apply(t, mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users:         []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 1, Name: "G1"}},
	})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.reconciler.ExpectLocalUpdate(0)
	if err := f.apply(t, mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users:         []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 2, Name: "G2"}},
	})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.replica.Groups().Contains(1) || !f.replica.Groups().Contains(2) {
		t.Errorf("groups = %+v, want only G2", f.replica.Groups().All())
	}
}

func TestLocalUpdateSinceMergesIntoReplica(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertGroup(model.Group{ID: 1, Name: "cached", Tickets: []model.Ticket{{ID: 5}}})

	f.reconciler.ExpectLocalUpdate(1_600_000_000_000)
	f.reconciler.ExpectLocalUpdate(0)

	delta := mustMessage(t, protocol.KindLocalUpdateResponse, protocol.LocalUpdateResponse{
		Users:         []model.User{{ID: 9, Login: "abc"}},
		RelatedGroups: []model.Group{{ID: 2, Name: "new"}},
	})
	if err := f.apply(t, delta); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.replica.Groups().Contains(1) || !f.replica.Tickets().Contains(5) {
		t.Error("answer to a since request dropped cached entities")
	}

	// The second response answers the since=0 request and replaces.
	if err := f.apply(t, delta); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.replica.Groups().Contains(1) {
		t.Error("full local update kept a group it did not list")
	}
}

func TestEntryAddedTicketAcknowledgesOnlyUnreceived(t *testing.T) {
	f := newFixture("abc")
	ticket := model.Ticket{ID: 5, Title: "Panne", Messages: []model.Message{
		{ID: 50, State: 2}, {ID: 51, State: 3},
	}}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryAdded, model.TableTicket, protocol.Entry{GroupID: 1, Ticket: &ticket})); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	batches := f.sender.receipts(t)
	if len(batches) != 1 || !slices.Equal(batches[0], []int64{50}) {
		t.Fatalf("receipts = %v, want [[50]]", batches)
	}

	event := f.nextEvent(t)
	if event.Kind != EventAdded || event.Table != model.TableTicket || event.Refs.GroupID != 1 {
		t.Errorf("event = %+v", event)
	}
	if stored, ok := f.replica.Tickets().Get(5); !ok || stored.GroupID != 1 {
		t.Errorf("stored ticket = %+v, %v", stored, ok)
	}
	if !f.replica.Messages().Contains(50) || !f.replica.Messages().Contains(51) {
		t.Error("nested messages not stored")
	}
}

func TestNoReceiptForAcknowledgedOrEmpty(t *testing.T) {
	f := newFixture("abc")
	acknowledged := model.Message{ID: 1, TicketID: 5, State: 3}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryAdded, model.TableMessage, protocol.Entry{TicketID: 5, Message: &acknowledged})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	group := model.Group{ID: 2, Name: "G2"}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryAdded, model.TableGroup, protocol.Entry{Group: &group})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if batches := f.sender.receipts(t); len(batches) != 0 {
		t.Errorf("receipts = %v, want none", batches)
	}
}

func TestEntryUpdatedEmptyMessageListClearsMessages(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertTicket(1, model.Ticket{ID: 5, Title: "Panne", Messages: []model.Message{{ID: 50}, {ID: 51}}})

	// Absent messages leave the stored ones alone.
	if err := f.apply(t, mustEntry(t, protocol.KindEntryUpdated, model.TableTicket,
		protocol.Entry{GroupID: 1, Ticket: &model.Ticket{ID: 5, Title: "Renommé"}})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.replica.Messages().Contains(50) || !f.replica.Messages().Contains(51) {
		t.Fatal("update without messages dropped stored messages")
	}

	// An explicit empty list survives the wire and clears them.
	if err := f.apply(t, mustEntry(t, protocol.KindEntryUpdated, model.TableTicket,
		protocol.Entry{GroupID: 1, Ticket: &model.Ticket{ID: 5, Title: "Renommé", Messages: []model.Message{}}})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.replica.Messages().Contains(50) || f.replica.Messages().Contains(51) {
		t.Errorf("messages = %+v, want none for ticket 5", f.replica.Messages().All())
	}
	if stored, ok := f.replica.Tickets().Get(5); !ok || stored.Title != "Renommé" {
		t.Errorf("stored ticket = %+v, %v", stored, ok)
	}
}

func TestEntryAddedMessageAcknowledges(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertTicket(3, model.Ticket{ID: 7, GroupID: 3})

	message := model.Message{ID: 70, Content: "bonjour", State: 1}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryAdded, model.TableMessage, protocol.Entry{TicketID: 7, Message: &message})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if batches := f.sender.receipts(t); len(batches) != 1 || !slices.Equal(batches[0], []int64{70}) {
		t.Errorf("receipts = %v, want [[70]]", batches)
	}
	event := f.nextEvent(t)
	if event.Refs != (Refs{GroupID: 3, TicketID: 7}) {
		t.Errorf("refs = %+v, want group 3 ticket 7", event.Refs)
	}
	if stored := event.Entity.(model.Message); stored.TicketID != 7 {
		t.Errorf("event message TicketID = %d", stored.TicketID)
	}
}

func TestReceiptIDsAreUnique(t *testing.T) {
	f := newFixture("abc")
	group := model.Group{ID: 1, Tickets: []model.Ticket{
		{ID: 1, Messages: []model.Message{{ID: 8, State: 0}, {ID: 8, State: 0}}},
		{ID: 2, Messages: []model.Message{{ID: 3, State: 1}}},
	}}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryUpdated, model.TableGroup, protocol.Entry{Group: &group})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if batches := f.sender.receipts(t); len(batches) != 1 || !slices.Equal(batches[0], []int64{3, 8}) {
		t.Errorf("receipts = %v, want [[3 8]]", batches)
	}
}

func TestEntryUpdatedIsIdempotent(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertGroup(model.Group{ID: 1, Name: "Avant"})
	f.replica.UpsertGroup(model.Group{ID: 2, Name: "Autre"})

	update := mustEntry(t, protocol.KindEntryUpdated, model.TableGroup, protocol.Entry{Group: &model.Group{ID: 1, Name: "Après"}})
	if err := f.apply(t, update); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	once := f.replica.Groups().All()
	if err := f.apply(t, update); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	twice := f.replica.Groups().All()

	if !slices.EqualFunc(once, twice, func(a, b model.Group) bool { return a.ID == b.ID && a.Name == b.Name }) {
		t.Errorf("store changed on repeated update: %+v vs %+v", once, twice)
	}
	if len(twice) != 2 || twice[0].Name != "Après" {
		t.Errorf("groups = %+v", twice)
	}
	for range 2 {
		if event := f.nextEvent(t); event.Kind != EventUpdated {
			t.Errorf("event = %+v, want updated", event)
		}
	}
}

func TestTableModelReplacesStoresAndAcknowledges(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertTicket(99, model.Ticket{ID: 99})

	err := f.apply(t, mustMessage(t, protocol.KindTableModel, protocol.TableModel{
		Users:    []model.User{{ID: 1, Login: "abc"}},
		Groups:   []model.Group{{ID: 1, Name: "G1"}},
		Tickets:  []model.Ticket{{ID: 1, GroupID: 1, Title: "T1"}},
		Messages: []model.Message{{ID: 1, TicketID: 1, State: 1}},
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	event := f.nextEvent(t)
	if event.Kind != EventAllModels {
		t.Fatalf("event = %+v", event)
	}
	if len(event.Users) != 1 || len(event.Groups) != 1 || len(event.Tickets) != 1 || len(event.Messages) != 1 {
		t.Errorf("AllModelsReplaced sizes = %d/%d/%d/%d, want 1/1/1/1",
			len(event.Users), len(event.Groups), len(event.Tickets), len(event.Messages))
	}
	if f.replica.Tickets().Contains(99) {
		t.Error("ticket from before the snapshot survived")
	}
	if batches := f.sender.receipts(t); len(batches) != 1 || !slices.Equal(batches[0], []int64{1}) {
		t.Errorf("receipts = %v, want [[1]]", batches)
	}
	if user := f.replica.LocalUser(); user.ID != 1 {
		t.Errorf("LocalUser = %+v", user)
	}
}

func TestEntryDeletedLocalUser(t *testing.T) {
	f := newFixture("abc")
	f.replica.ApplyLocalUpdate([]model.User{{ID: 5, Login: "abc"}, {ID: 6, Login: "def"}}, nil, nil, 0)

	deleted := mustEntry(t, protocol.KindEntryDeleted, model.TableUser, protocol.Entry{User: &model.User{ID: 5, Login: "abc"}})
	if err := f.apply(t, deleted); !errors.Is(err, ErrLocalUserRemoved) {
		t.Fatalf("Apply: err = %v, want ErrLocalUserRemoved", err)
	}
	if event := f.nextEvent(t); event.Kind != EventLocalUserRemoved {
		t.Fatalf("event = %+v, want local_user_removed", event)
	}

	if err := f.apply(t, deleted); !errors.Is(err, ErrLocalUserRemoved) {
		t.Fatalf("second Apply: err = %v", err)
	}
	f.requireNoEvent(t)
}

func TestEntryDeletedOtherUser(t *testing.T) {
	f := newFixture("abc")
	f.replica.ApplyLocalUpdate([]model.User{{ID: 5, Login: "abc"}, {ID: 6, Login: "def", FirstName: "Dee"}}, nil, nil, 0)

	if err := f.apply(t, mustEntry(t, protocol.KindEntryDeleted, model.TableUser, protocol.Entry{User: &model.User{ID: 6}})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	event := f.nextEvent(t)
	if event.Kind != EventDeleted || event.Entity.(model.User).FirstName != "Dee" {
		t.Errorf("event = %+v, want deletion carrying the stored record", event)
	}
	if f.replica.Users().Contains(6) {
		t.Error("user 6 still stored")
	}
}

func TestEntryDeletedTicketCascades(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertTicket(2, model.Ticket{ID: 20, Messages: []model.Message{{ID: 200}}})

	if err := f.apply(t, mustEntry(t, protocol.KindEntryDeleted, model.TableTicket, protocol.Entry{Ticket: &model.Ticket{ID: 20}})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	event := f.nextEvent(t)
	if event.Kind != EventDeleted || event.Refs.GroupID != 2 {
		t.Errorf("event = %+v", event)
	}
	if f.replica.Messages().Contains(200) {
		t.Error("message of deleted ticket remains")
	}
	if batches := f.sender.receipts(t); len(batches) != 0 {
		t.Errorf("deletion sent receipts %v", batches)
	}
}

func TestMalformedPayloadLeavesReplicaUnchanged(t *testing.T) {
	f := newFixture("abc")
	f.replica.UpsertGroup(model.Group{ID: 1, Name: "G1"})

	bad := protocol.Message{Kind: protocol.KindTableModel, Payload: []byte{0x01}}
	if err := f.apply(t, bad); !protocol.IsInvalid(err) {
		t.Fatalf("Apply: err = %v, want InvalidMessageError", err)
	}
	mismatched := mustMessage(t, protocol.KindEntryAdded, protocol.Entry{Group: &model.Group{ID: 2}})
	mismatched.Table = model.TableUser
	if err := f.apply(t, mismatched); !protocol.IsInvalid(err) {
		t.Fatalf("Apply mismatched: err = %v, want InvalidMessageError", err)
	}
	if f.replica.Groups().Len() != 1 {
		t.Error("replica changed after malformed messages")
	}
	f.requireNoEvent(t)
}

func TestReceiptSendFailureIsNotFatal(t *testing.T) {
	f := newFixture("abc")
	f.sender.err = errors.New("broken pipe")
	message := model.Message{ID: 1, TicketID: 1}
	if err := f.apply(t, mustEntry(t, protocol.KindEntryAdded, model.TableMessage, protocol.Entry{Message: &message})); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.replica.Messages().Contains(1) {
		t.Error("message not stored")
	}
}

func TestUnhandledKindsAreIgnored(t *testing.T) {
	f := newFixture("abc")
	if err := f.apply(t, protocol.Message{Kind: protocol.KindConnection, Ack: true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.requireNoEvent(t)
}

func TestEventSinkDropsWhenFullAndClosesOnDisconnect(t *testing.T) {
	sink := NewEventSink(1)
	sink.GroupListChanged([]string{"a"})
	sink.GroupListChanged([]string{"b"})
	if sink.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sink.Dropped())
	}
	<-sink.Events()

	sink.Disconnected(errors.New("eof"))
	event, ok := <-sink.Events()
	if !ok || event.Kind != EventDisconnected {
		t.Fatalf("event = %+v, %v", event, ok)
	}
	if _, ok := <-sink.Events(); ok {
		t.Error("channel open after Disconnected")
	}
	sink.LocalUserRemoved()
	sink.Disconnected(nil)
}
