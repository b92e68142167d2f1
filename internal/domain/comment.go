package domain

import "time"

// Comment is a message on a ticket thread. Comments are immutable once
// created; the engine aggregates them into one note on the remote issue.
type Comment struct {
	ID        int64
	TicketID  int64
	OwnerID   string
	OwnerName string
	Content   string
	CreatedAt time.Time
}
