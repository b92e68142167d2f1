package domain

import (
	"encoding/json"
	"time"
)

// RemoteIssue is the durable copy of the bug tracker's issue for an escalated
// ticket. Created exactly once per ticket, refreshed by reconciliation, never
// deleted by the engine.
type RemoteIssue struct {
	ID              int64
	TicketID        int64
	Content         json.RawMessage
	OwnerID         string
	RemoteUpdatedAt time.Time
}
