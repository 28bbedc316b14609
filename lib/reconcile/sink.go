// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/helpdesk/lib/model"
)

// Refs locates an entity in the Group → Ticket → Message hierarchy.
// Zero fields do not apply.
type Refs struct {
	GroupID  int64
	TicketID int64
}

// Sink receives replica changes. Calls come from the session loop
// goroutine, one at a time; implementations must not block it.
type Sink interface {
	// RelatedGroupsChanged delivers the user's groups with nested
	// tickets and messages after a LOCAL_UPDATE_RESPONSE.
	RelatedGroupsChanged(groups []model.Group)

	// GroupListChanged delivers the name of every group.
	GroupListChanged(names []string)

	EntityAdded(table model.Table, entity model.Entity, refs Refs)
	EntityUpdated(table model.Table, entity model.Entity, refs Refs)
	EntityDeleted(table model.Table, entity model.Entity, refs Refs)

	// AllModelsReplaced delivers the four flat tables after a
	// TABLE_MODEL.
	AllModelsReplaced(users []model.User, groups []model.Group, tickets []model.Ticket, messages []model.Message)

	// LocalUserRemoved reports that the logged-in user was deleted.
	// The session ends right after.
	LocalUserRemoved()

	// Disconnected is the last call a sink receives. err is nil for
	// a local Close.
	Disconnected(err error)
}

// NopSink ignores everything. Embed it to implement part of Sink.
type NopSink struct{}

func (NopSink) RelatedGroupsChanged([]model.Group) {}
func (NopSink) GroupListChanged([]string) {}
func (NopSink) EntityAdded(model.Table, model.Entity, Refs) {}
func (NopSink) EntityUpdated(model.Table, model.Entity, Refs) {}
func (NopSink) EntityDeleted(model.Table, model.Entity, Refs) {}
func (NopSink) AllModelsReplaced([]model.User, []model.Group, []model.Ticket, []model.Message) {}
func (NopSink) LocalUserRemoved() {}
func (NopSink) Disconnected(error) {}

// EventKind names a Sink callback.
type EventKind string

const (
	EventRelatedGroups    EventKind = "related_groups"
	EventGroupList        EventKind = "group_list"
	EventAdded            EventKind = "added"
	EventUpdated          EventKind = "updated"
	EventDeleted          EventKind = "deleted"
	EventAllModels        EventKind = "all_models"
	EventLocalUserRemoved EventKind = "local_user_removed"
	EventDisconnected     EventKind = "disconnected"
)

// Event is one Sink callback captured as a value. Only the fields of
// its Kind are set.
type Event struct {
	Kind EventKind

	Table  model.Table
	Entity model.Entity
	Refs   Refs

	Groups     []model.Group
	GroupNames []string
	Users      []model.User
	Tickets    []model.Ticket
	Messages   []model.Message

	Err error
}

// DefaultEventBuffer is the EventSink channel capacity.
const DefaultEventBuffer = 256

// EventSink turns Sink callbacks into Events on a buffered channel.
// Sends never block: when the buffer is full the event is dropped and
// counted. The channel is closed after the Disconnected event.
type EventSink struct {
	mu      sync.Mutex
	events  chan Event
	closed  bool
	dropped atomic.Int64
}

// NewEventSink returns a sink with the given buffer size, or
// DefaultEventBuffer if size <= 0.
func NewEventSink(size int) *EventSink {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &EventSink{events: make(chan Event, size)}
}

// Events returns the event channel.
func (s *EventSink) Events() <-chan Event { return s.events }

// Dropped returns how many events were discarded on a full buffer.
func (s *EventSink) Dropped() int64 { return s.dropped.Load() }

func (s *EventSink) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *EventSink) RelatedGroupsChanged(groups []model.Group) {
	s.emit(Event{Kind: EventRelatedGroups, Groups: groups})
}

func (s *EventSink) GroupListChanged(names []string) {
	s.emit(Event{Kind: EventGroupList, GroupNames: names})
}

func (s *EventSink) EntityAdded(table model.Table, entity model.Entity, refs Refs) {
	s.emit(Event{Kind: EventAdded, Table: table, Entity: entity, Refs: refs})
}

func (s *EventSink) EntityUpdated(table model.Table, entity model.Entity, refs Refs) {
	s.emit(Event{Kind: EventUpdated, Table: table, Entity: entity, Refs: refs})
}

func (s *EventSink) EntityDeleted(table model.Table, entity model.Entity, refs Refs) {
	s.emit(Event{Kind: EventDeleted, Table: table, Entity: entity, Refs: refs})
}

func (s *EventSink) AllModelsReplaced(users []model.User, groups []model.Group, tickets []model.Ticket, messages []model.Message) {
	s.emit(Event{Kind: EventAllModels, Users: users, Groups: groups, Tickets: tickets, Messages: messages})
}

func (s *EventSink) LocalUserRemoved() {
	s.emit(Event{Kind: EventLocalUserRemoved})
}

// Disconnected emits the final event and closes the channel.
func (s *EventSink) Disconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- Event{Kind: EventDisconnected, Err: err}:
	default:
		s.dropped.Add(1)
	}
	s.closed = true
	close(s.events)
}
