package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Upload is a pending attachment for an issue: the token returned by the
// tracker's upload endpoint together with the metadata the tracker needs to
// attach the file when the issue is created or updated.
type Upload struct {
	Token       string `json:"token"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// AttachmentDescriptor is the tracker's view of an issue attachment.
type AttachmentDescriptor struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	ContentType string `json:"content_type"`
	ContentURL  string `json:"content_url"`
}

// JournalDetail is one changed property inside a journal entry.
type JournalDetail struct {
	Property string `json:"property"`
	Name     string `json:"name"`
}

// JournalEntry is one entry of the issue's change journal.
type JournalEntry struct {
	ID      int64           `json:"id"`
	Details []JournalDetail `json:"details"`
}

// IssueFields carries the ticket-derived fields used to create an issue.
type IssueFields struct {
	ProjectID   int
	Subject     string
	Description string
}

// IssueRef identifies one issue in a listing page.
type IssueRef struct {
	ID        int64     `json:"id"`
	UpdatedOn time.Time `json:"updated_on"`
}

// IssuePage is one page of a tracker issue listing.
type IssuePage struct {
	Issues     []IssueRef `json:"issues"`
	TotalCount int        `json:"total_count"`
	Offset     int        `json:"offset"`
	Limit      int        `json:"limit"`
}

// Client is the capability set the engine needs from a bug tracker. The
// client performs no retries; transport and non-2xx failures are recoverable
// errors for the caller.
type Client interface {
	UploadBlob(ctx context.Context, data []byte, contentType string) (string, error)
	CreateIssue(ctx context.Context, fields IssueFields, uploads []Upload) (*IssueContent, error)
	AppendNote(ctx context.Context, issueID int64, note string) error
	AppendUploads(ctx context.Context, issueID int64, uploads []Upload) error
	GetIssue(ctx context.Context, issueID int64) (*IssueContent, error)
	ListIssuesSince(ctx context.Context, since *time.Time, offset, limit int) (*IssuePage, error)
	DownloadAttachment(ctx context.Context, contentURL string) ([]byte, error)
}

// IssueContent is the raw issue document returned by the tracker plus the
// parsed fields the engine depends on. The raw form is stored verbatim so
// local administrators see exactly what the tracker holds.
type IssueContent struct {
	Raw    json.RawMessage
	parsed issueEnvelope
}

type issueEnvelope struct {
	Issue struct {
		ID     int64 `json:"id"`
		Status struct {
			ID int64 `json:"id"`
		} `json:"status"`
		UpdatedOn   time.Time              `json:"updated_on"`
		Attachments []AttachmentDescriptor `json:"attachments"`
		Journals    []JournalEntry         `json:"journals"`
	} `json:"issue"`
}

// ParseIssueContent decodes a raw issue document.
func ParseIssueContent(raw []byte) (*IssueContent, error) {
	var envelope issueEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode issue content: %w", err)
	}
	content := &IssueContent{parsed: envelope}
	content.Raw = append(content.Raw, raw...)
	return content, nil
}

// ID returns the tracker-assigned issue id.
func (c *IssueContent) ID() int64 {
	return c.parsed.Issue.ID
}

// StatusID returns the issue's remote status id.
func (c *IssueContent) StatusID() int64 {
	return c.parsed.Issue.Status.ID
}

// UpdatedOn returns the issue's last-modified timestamp.
func (c *IssueContent) UpdatedOn() time.Time {
	return c.parsed.Issue.UpdatedOn
}

// Attachments returns the tracker's attachment descriptors.
func (c *IssueContent) Attachments() []AttachmentDescriptor {
	return c.parsed.Issue.Attachments
}

// LastJournal returns the newest journal entry, or nil if the journal is
// empty or was not requested.
func (c *IssueContent) LastJournal() *JournalEntry {
	journals := c.parsed.Issue.Journals
	if len(journals) == 0 {
		return nil
	}
	return &journals[len(journals)-1]
}

// AttachmentIDFromToken extracts the tracker-side attachment id embedded in
// an upload token. Tokens have the form "<id>.<hash>".
func AttachmentIDFromToken(token string) (int64, error) {
	dot := strings.IndexByte(token, '.')
	if dot <= 0 {
		return 0, fmt.Errorf("malformed upload token %q", token)
	}
	id, err := strconv.ParseInt(token[:dot], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed upload token %q: %w", token, err)
	}
	return id, nil
}
