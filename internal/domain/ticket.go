package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew      TicketStatus = "NEW"
	TicketStatusOpened   TicketStatus = "OPENED"
	TicketStatusResolved TicketStatus = "RESOLVED"
	TicketStatusClosed   TicketStatus = "CLOSED"
)

// EscalationStatus tracks progress of forwarding a ticket to the bug tracker.
type EscalationStatus string

const (
	EscalationNotDone    EscalationStatus = "NOT_DONE"
	EscalationInProgress EscalationStatus = "IN_PROGRESS"
	EscalationSuccessful EscalationStatus = "SUCCESSFUL"
	EscalationFailed     EscalationStatus = "FAILED"
)

// Ticket is the aggregate for support requests. The escalation engine only
// reads the fields needed to build a remote issue and mutates the escalation
// columns.
type Ticket struct {
	ID               int64
	Subject          string
	Description      string
	Category         string
	SchoolID         string
	OwnerID          string
	Status           TicketStatus
	EscalationStatus EscalationStatus
	EscalationDate   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
