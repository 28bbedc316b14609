// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/reconcile"
	"github.com/bureau-foundation/helpdesk/lib/replica"
	"github.com/bureau-foundation/helpdesk/lib/store"
)

// defaultWidth is used when the terminal size is unknown.
const defaultWidth = 120

// printer renders replica changes as one line per event. Lines are
// truncated to width when it is positive.
type printer struct {
	out    io.Writer
	width  int
	styles printerStyles
}

type printerStyles struct {
	header  lipgloss.Style
	added   lipgloss.Style
	updated lipgloss.Style
	deleted lipgloss.Style
	table   lipgloss.Style
	id      lipgloss.Style
	dim     lipgloss.Style
	warn    lipgloss.Style
	pending lipgloss.Style
}

func newPrinter(out io.Writer, width int, color bool) *printer {
	profile := termenv.Ascii
	if color {
		profile = termenv.ANSI256
	}
	renderer := lipgloss.NewRenderer(out, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)

	return &printer{
		out:   out,
		width: width,
		styles: printerStyles{
			header:  renderer.NewStyle().Bold(true),
			added:   renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
			updated: renderer.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
			deleted: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
			table:   renderer.NewStyle().Foreground(lipgloss.Color("6")).Width(11),
			id:      renderer.NewStyle().Foreground(lipgloss.Color("8")).Width(7),
			dim:     renderer.NewStyle().Foreground(lipgloss.Color("8")),
			warn:    renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			pending: renderer.NewStyle().Foreground(lipgloss.Color("5")),
		},
	}
}

func (p *printer) line(text string) {
	if p.width > 0 {
		text = ansi.Truncate(text, p.width, "…")
	}
	fmt.Fprintln(p.out, text)
}

// Event renders one sink event.
func (p *printer) Event(event reconcile.Event) {
	switch event.Kind {
	case reconcile.EventRelatedGroups:
		p.Hierarchy(event.Groups)
	case reconcile.EventGroupList:
		p.line(p.styles.dim.Render("groups:") + " " + strings.Join(event.GroupNames, ", "))
	case reconcile.EventAdded:
		p.entityLine(p.styles.added.Render("+"), event)
	case reconcile.EventUpdated:
		p.entityLine(p.styles.updated.Render("~"), event)
	case reconcile.EventDeleted:
		p.entityLine(p.styles.deleted.Render("-"), event)
	case reconcile.EventAllModels:
		p.line(p.styles.header.Render("snapshot:") + fmt.Sprintf(" %d users, %d groups, %d tickets, %d messages",
			len(event.Users), len(event.Groups), len(event.Tickets), len(event.Messages)))
	case reconcile.EventLocalUserRemoved:
		p.line(p.styles.warn.Render("your account was removed by the server"))
	case reconcile.EventDisconnected:
		if event.Err != nil {
			p.line(p.styles.warn.Render("disconnected:") + " " + event.Err.Error())
		} else {
			p.line(p.styles.dim.Render("disconnected"))
		}
	}
}

func (p *printer) entityLine(mark string, event reconcile.Event) {
	var refs []string
	if event.Refs.GroupID != 0 {
		refs = append(refs, fmt.Sprintf("group %d", event.Refs.GroupID))
	}
	if event.Refs.TicketID != 0 {
		refs = append(refs, fmt.Sprintf("ticket %d", event.Refs.TicketID))
	}
	text := mark + " " + p.styles.table.Render(string(event.Table)) + p.styles.id.Render(fmt.Sprintf("#%d", event.Entity.EntityID())) + describe(event.Entity)
	if len(refs) > 0 {
		text += " " + p.styles.dim.Render("("+strings.Join(refs, ", ")+")")
	}
	p.line(text)
}

// Hierarchy renders groups with their tickets and the number of
// messages not yet acknowledged on each.
func (p *printer) Hierarchy(groups []model.Group) {
	tickets := 0
	for _, group := range groups {
		tickets += len(group.Tickets)
	}
	p.line(p.styles.header.Render(fmt.Sprintf("%d groups, %d tickets", len(groups), tickets)))
	for _, group := range groups {
		p.line("  " + p.styles.id.Render(fmt.Sprintf("#%d", group.ID)) + p.styles.header.Render(group.Name))
		for _, ticket := range group.Tickets {
			text := "    " + p.styles.id.Render(fmt.Sprintf("#%d", ticket.ID)) + ticket.Title +
				" " + p.styles.dim.Render(fmt.Sprintf("%d messages", len(ticket.Messages)))
			if unread := ticket.UnacknowledgedCount(); unread > 0 {
				text += " " + p.styles.pending.Render(fmt.Sprintf("%d new", unread))
			}
			p.line(text)
		}
	}
}

// Tables renders the flat tables of target, keeping rows that match
// query.
func (p *printer) Tables(target *replica.Replica, tables []model.Table, query string) {
	for _, table := range tables {
		switch table {
		case model.TableUser:
			printRows(p, table, target.Users(), query)
		case model.TableGroup:
			printRows(p, table, target.Groups(), query)
		case model.TableTicket:
			printRows(p, table, target.Tickets(), query)
		case model.TableMessage:
			printRows(p, table, target.Messages(), query)
		}
	}
}

func printRows[T model.Entity](p *printer, table model.Table, rows *store.Store[T], query string) {
	total := rows.Len()
	matched := rows.Filter(query)
	heading := fmt.Sprintf("%s (%d)", table, total)
	if query != "" {
		heading = fmt.Sprintf("%s (%d of %d matching %q)", table, matched.Len(), total, query)
	}
	p.line(p.styles.header.Render(heading))
	for _, row := range matched.All() {
		p.line("  " + p.styles.id.Render(fmt.Sprintf("#%d", row.EntityID())) + describe(row))
	}
}

// describe is the one-line text of an entity.
func describe(entity model.Entity) string {
	switch value := entity.(type) {
	case model.User:
		if name := value.DisplayName(); name != value.Login {
			return fmt.Sprintf("%s <%s>", name, value.Login)
		}
		return value.Login
	case model.Group:
		return value.Name
	case model.Ticket:
		return value.Title
	case model.Message:
		return strings.Join(strings.Fields(value.Content), " ")
	default:
		return fmt.Sprint(entity)
	}
}
