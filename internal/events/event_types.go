package events

import "time"

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketEscalated EventType = "ticket_escalated"
	EventIssueResolved   EventType = "bugtracker_issue_resolved"
	EventIssueClosed     EventType = "bugtracker_issue_closed"
	EventIssueUpdated    EventType = "bugtracker_issue_updated"
)

// Event represents a domain event emitted by the engine.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TicketID  int64       `json:"ticket_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TicketEscalatedPayload payload.
type TicketEscalatedPayload struct {
	IssueID     int64  `json:"issue_id"`
	EscalatedBy string `json:"escalated_by"`
	Warning     string `json:"warning,omitempty"`
}

// IssueStatusChangedPayload carries the notification tuple for a remote
// status transition: recipients, ids and the deep link into the platform.
type IssueStatusChangedPayload struct {
	IssueID     int64    `json:"issue_id"`
	OldStatusID int64    `json:"old_status_id"`
	NewStatusID int64    `json:"new_status_id"`
	Recipients  []string `json:"recipients"`
	TicketURI   string   `json:"ticket_uri"`
}
