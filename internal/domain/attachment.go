package domain

// LocalAttachment references a document blob attached to a ticket on this
// platform. Read-only to the engine; its bytes are uploaded, never mutated.
type LocalAttachment struct {
	ID         int64
	TicketID   int64
	DocumentID string
	Name       string
	Size       int64
}

// RemoteAttachmentLink maps an attachment id assigned by the bug tracker to
// local storage. Exactly one of DocumentID (uploaded local document) or
// BlobKey (downloaded tracker attachment) is set.
type RemoteAttachmentLink struct {
	ExternalID int64
	IssueID    int64
	DocumentID *string
	BlobKey    *string
	Name       string
	Size       int64
}
