// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"slices"
	"sync"

	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/store"
)

// Replica is the local dataset of one logged-in user.
type Replica struct {
	mu sync.RWMutex

	login      string
	localUser  model.User
	groupNames []string
	syncedAt   int64

	users    *store.Store[model.User]
	groups   *store.Store[model.Group]
	tickets  *store.Store[model.Ticket]
	messages *store.Store[model.Message]
}

// New returns an empty replica for login. The local user starts as
// the login-only placeholder.
func New(login string) *Replica {
	return &Replica{
		login:     login,
		localUser: model.User{Login: login},
		users:     store.New[model.User](),
		groups:    store.New[model.Group](),
		tickets:   store.New[model.Ticket](),
		messages:  store.New[model.Message](),
	}
}

// Login returns the login the replica belongs to.
func (r *Replica) Login() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.login
}

// LocalUser returns the record of the logged-in user. Before any
// snapshot resolves it, this is the placeholder carrying only Login.
func (r *Replica) LocalUser() model.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localUser
}

// IsLocalUser reports whether user is the logged-in user, matched by
// ID once resolved and by login otherwise.
func (r *Replica) IsLocalUser(user model.User) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isLocalUserLocked(user)
}

func (r *Replica) isLocalUserLocked(user model.User) bool {
	if !r.localUser.IsPlaceholder() && user.ID == r.localUser.ID {
		return true
	}
	return user.Login != "" && user.Login == r.login
}

// resolveLocalUserLocked replaces the local user with the users-store
// record whose login matches, or the placeholder if there is none.
// Caller holds r.mu for writing.
func (r *Replica) resolveLocalUserLocked() bool {
	for _, user := range r.users.All() {
		if user.Login == r.login {
			r.localUser = user
			return true
		}
	}
	r.localUser = model.User{Login: r.login}
	return false
}

// ApplyLocalUpdate replaces the replica with a user-scoped snapshot:
// the user directory, the related groups (flattened), and the list
// of every group name. The local user is re-resolved by login; the
// result reports whether it was found.
func (r *Replica) ApplyLocalUpdate(users []model.User, relatedGroups []model.Group, allGroups []string, syncedAt int64) (localUserFound bool) {
	groups, tickets, messages := Flatten(relatedGroups)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users.Replace(users)
	r.groups.Replace(groups)
	r.tickets.Replace(tickets)
	r.messages.Replace(messages)
	r.groupNames = slices.Clone(allGroups)
	r.syncedAt = syncedAt
	return r.resolveLocalUserLocked()
}

// MergeLocalUpdate applies a LOCAL_UPDATE_RESPONSE that answered a
// request with a non-zero since time. Such a response only carries
// what changed, so related groups, their tickets and messages are
// upserted instead of replacing the stores, and nested message lists
// are not treated as complete. The user directory and group-name list
// are always complete and are replaced.
func (r *Replica) MergeLocalUpdate(users []model.User, relatedGroups []model.Group, allGroups []string, syncedAt int64) (localUserFound bool) {
	groups, tickets, messages := Flatten(relatedGroups)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users.Replace(users)
	for _, group := range groups {
		r.groups.Insert(group)
	}
	for _, ticket := range tickets {
		r.tickets.Insert(ticket)
	}
	for _, message := range messages {
		r.messages.Insert(message)
	}
	r.groupNames = slices.Clone(allGroups)
	r.syncedAt = syncedAt
	return r.resolveLocalUserLocked()
}

// ApplyTableModel replaces all four stores with a full snapshot. The
// local user is re-resolved by login; the result reports whether it
// was found.
func (r *Replica) ApplyTableModel(users []model.User, groups []model.Group, tickets []model.Ticket, messages []model.Message, syncedAt int64) (localUserFound bool) {
	// Nested children come first so the top-level tables win on
	// duplicate IDs.
	flatGroups, flatTickets, flatMessages := Flatten(groups)
	for _, ticket := range tickets {
		flatMessages = append(flatMessages, adopt(ticket.ID, ticket.Messages)...)
		ticket.Messages = nil
		flatTickets = append(flatTickets, ticket)
	}
	flatMessages = append(flatMessages, messages...)

	names := make([]string, 0, len(flatGroups))
	for _, group := range flatGroups {
		names = append(names, group.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users.Replace(users)
	r.groups.Replace(flatGroups)
	r.tickets.Replace(flatTickets)
	r.messages.Replace(flatMessages)
	r.groupNames = names
	r.syncedAt = syncedAt
	return r.resolveLocalUserLocked()
}

// UpsertUser inserts or replaces a user. If the user is the local
// user, the local record is refreshed too. Reports whether an
// existing user was replaced.
func (r *Replica) UpsertUser(user model.User) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.users.Insert(user)
	if r.isLocalUserLocked(user) {
		r.localUser = user
		r.login = user.Login
	}
	return replaced
}

// UpsertGroup inserts or replaces a group. Tickets nested in the
// group are upserted as well.
func (r *Replica) UpsertGroup(group model.Group) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nested := group.Tickets
	group.Tickets = nil
	replaced = r.groups.Insert(group)
	if !replaced {
		r.addGroupNameLocked(group.Name)
	}
	for _, ticket := range nested {
		if ticket.GroupID == 0 {
			ticket.GroupID = group.ID
		}
		r.upsertTicketLocked(ticket)
	}
	return replaced
}

// UpsertTicket inserts or replaces a ticket. A zero ticket.GroupID is
// filled from groupID. When ticket.Messages is non-nil it is the
// complete message list of the ticket: stored messages of the ticket
// not in the list are dropped.
func (r *Replica) UpsertTicket(groupID int64, ticket model.Ticket) (replaced bool) {
	if ticket.GroupID == 0 {
		ticket.GroupID = groupID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertTicketLocked(ticket)
}

func (r *Replica) upsertTicketLocked(ticket model.Ticket) bool {
	nested := ticket.Messages
	ticket.Messages = nil
	replaced := r.tickets.Insert(ticket)
	if nested == nil {
		return replaced
	}

	keep := make(map[int64]struct{}, len(nested))
	for _, message := range adopt(ticket.ID, nested) {
		keep[message.ID] = struct{}{}
		r.messages.Insert(message)
	}
	r.messages.RemoveFunc(func(message model.Message) bool {
		_, kept := keep[message.ID]
		return message.TicketID == ticket.ID && !kept
	})
	return replaced
}

// UpsertMessage inserts or replaces a message. A zero
// message.TicketID is filled from ticketID.
func (r *Replica) UpsertMessage(ticketID int64, message model.Message) (replaced bool) {
	if message.TicketID == 0 {
		message.TicketID = ticketID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages.Insert(message)
}

// RemoveUser deletes a user by ID and returns the removed record.
func (r *Replica) RemoveUser(id int64) (model.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, found := r.users.Get(id)
	if !found {
		return model.User{}, false
	}
	r.users.Remove(id)
	return user, true
}

// RemoveGroup deletes a group with its tickets and their messages.
func (r *Replica) RemoveGroup(id int64) (model.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, found := r.groups.Get(id)
	if !found {
		return model.Group{}, false
	}
	r.groups.Remove(id)
	r.groupNames = slices.DeleteFunc(r.groupNames, func(name string) bool { return name == group.Name })

	removedTickets := r.tickets.RemoveFunc(func(ticket model.Ticket) bool { return ticket.GroupID == id })
	ticketIDs := make(map[int64]struct{}, len(removedTickets))
	for _, ticket := range removedTickets {
		ticketIDs[ticket.ID] = struct{}{}
	}
	r.messages.RemoveFunc(func(message model.Message) bool {
		_, orphaned := ticketIDs[message.TicketID]
		return orphaned
	})
	return group, true
}

// RemoveTicket deletes a ticket and its messages.
func (r *Replica) RemoveTicket(id int64) (model.Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticket, found := r.tickets.Get(id)
	if !found {
		return model.Ticket{}, false
	}
	r.tickets.Remove(id)
	r.messages.RemoveFunc(func(message model.Message) bool { return message.TicketID == id })
	return ticket, true
}

// RemoveMessage deletes a message.
func (r *Replica) RemoveMessage(id int64) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	message, found := r.messages.Get(id)
	if !found {
		return model.Message{}, false
	}
	r.messages.Remove(id)
	return message, true
}

func (r *Replica) addGroupNameLocked(name string) {
	if name != "" && !slices.Contains(r.groupNames, name) {
		r.groupNames = append(r.groupNames, name)
	}
}

// Users returns a detached copy of the user store.
func (r *Replica) Users() *store.Store[model.User] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users.Clone()
}

// Groups returns a detached copy of the group store.
func (r *Replica) Groups() *store.Store[model.Group] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups.Clone()
}

// Tickets returns a detached copy of the ticket store.
func (r *Replica) Tickets() *store.Store[model.Ticket] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tickets.Clone()
}

// Messages returns a detached copy of the message store.
func (r *Replica) Messages() *store.Store[model.Message] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messages.Clone()
}

// GroupNames returns the name of every group known to the server.
func (r *Replica) GroupNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.groupNames)
}

// SyncedAt returns the epoch-millisecond time of the last snapshot
// applied, or zero.
func (r *Replica) SyncedAt() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncedAt
}

// Counts returns the size of each store.
func (r *Replica) Counts() map[model.Table]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[model.Table]int{
		model.TableUser:    r.users.Len(),
		model.TableGroup:   r.groups.Len(),
		model.TableTicket:  r.tickets.Len(),
		model.TableMessage: r.messages.Len(),
	}
}

// Hierarchy assembles every group with its tickets and their
// messages, all in ascending ID order.
func (r *Replica) Hierarchy() []model.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messagesByTicket := map[int64][]model.Message{}
	for _, message := range r.messages.All() {
		messagesByTicket[message.TicketID] = append(messagesByTicket[message.TicketID], message)
	}
	ticketsByGroup := map[int64][]model.Ticket{}
	for _, ticket := range r.tickets.All() {
		ticket.Messages = messagesByTicket[ticket.ID]
		ticketsByGroup[ticket.GroupID] = append(ticketsByGroup[ticket.GroupID], ticket)
	}
	groups := r.groups.All()
	for index := range groups {
		groups[index].Tickets = ticketsByGroup[groups[index].ID]
	}
	return groups
}

// Flatten splits nested groups into flat groups, tickets, and
// messages, filling in missing back-references.
func Flatten(nested []model.Group) ([]model.Group, []model.Ticket, []model.Message) {
	groups := make([]model.Group, 0, len(nested))
	var tickets []model.Ticket
	var messages []model.Message
	for _, group := range nested {
		for _, ticket := range group.Tickets {
			if ticket.GroupID == 0 {
				ticket.GroupID = group.ID
			}
			messages = append(messages, adopt(ticket.ID, ticket.Messages)...)
			ticket.Messages = nil
			tickets = append(tickets, ticket)
		}
		group.Tickets = nil
		groups = append(groups, group)
	}
	return groups, tickets, messages
}

// adopt returns a copy of messages with zero TicketIDs set to
// ticketID.
func adopt(ticketID int64, messages []model.Message) []model.Message {
	adopted := make([]model.Message, len(messages))
	for index, message := range messages {
		if message.TicketID == 0 {
			message.TicketID = ticketID
		}
		adopted[index] = message
	}
	return adopted
}
