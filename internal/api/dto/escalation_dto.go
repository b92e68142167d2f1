package dto

import "time"

// EscalateResponse describes the outcome of a ticket escalation.
type EscalateResponse struct {
	TicketID        int64     `json:"ticket_id"`
	IssueID         int64     `json:"issue_id"`
	IssueStatusID   int64     `json:"issue_status_id"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	Warning         string    `json:"warning,omitempty"`
}

// CommentRelayRequest carries a comment to forward to the linked issue.
type CommentRelayRequest struct {
	Content string `json:"content"`
}

// HistoryEntryResponse is one audit entry for a ticket.
type HistoryEntryResponse struct {
	ID         int64          `json:"id"`
	ChangeType string         `json:"change_type"`
	OldValue   map[string]any `json:"old_value,omitempty"`
	NewValue   map[string]any `json:"new_value,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
