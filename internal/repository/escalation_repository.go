package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/escalation-service/internal/domain"
)

// ErrNotClaimable is returned when a ticket cannot be claimed for
// escalation: another attempt is in progress or already succeeded, or the
// ticket is resolved or closed.
var ErrNotClaimable = errors.New("ticket not claimable for escalation")

// TicketSnapshot is the consistent view of a ticket handed to the
// orchestrator by a successful claim.
type TicketSnapshot struct {
	ID          int64
	Subject     string
	Description string
	Category    string
	SchoolID    string
	OwnerID     string
	OwnerName   string
	Status      domain.TicketStatus
	Attachments []domain.LocalAttachment
	Comments    []domain.Comment
}

// KnownIssue pairs a locally known issue id with the tracker attachment ids
// already linked to it.
type KnownIssue struct {
	ID                    int64
	AttachmentExternalIDs []int64
}

// IssueTicket identifies the local ticket behind a remote issue.
type IssueTicket struct {
	TicketID int64
	SchoolID string
	OwnerID  string
}

// EscalationRepository is the persistence boundary the escalation engine
// needs from the ticket store.
type EscalationRepository interface {
	ClaimForEscalation(ctx context.Context, ticketID int64) (*TicketSnapshot, error)
	RecordSuccess(ctx context.Context, ticketID int64, issue *domain.RemoteIssue, links []domain.RemoteAttachmentLink) error
	RecordFailure(ctx context.Context, ticketID int64) error

	IssueIDForTicket(ctx context.Context, ticketID int64) (int64, bool, error)
	TicketAttachments(ctx context.Context, ticketID int64) ([]domain.LocalAttachment, error)
	LinkedDocumentIDs(ctx context.Context, issueID int64) ([]string, error)
	InsertAttachmentLinks(ctx context.Context, issueID int64, links []domain.RemoteAttachmentLink) error
	LinkDownloadedAttachment(ctx context.Context, issueID, externalID int64, blobKey, name string, size int64) error

	IntersectKnownIssues(ctx context.Context, externalIDs []int64) ([]KnownIssue, error)
	RefreshIssueContent(ctx context.Context, issueID int64, content []byte, remoteUpdatedAt time.Time) (int64, error)
	TicketForIssue(ctx context.Context, issueID int64) (*IssueTicket, error)
	LastRemoteUpdate(ctx context.Context) (*time.Time, error)
}

type escalationRepository struct {
	pool *pgxpool.Pool
}

// NewEscalationRepository returns a Postgres-backed implementation.
func NewEscalationRepository(pool *pgxpool.Pool) EscalationRepository {
	return &escalationRepository{pool: pool}
}

// ClaimForEscalation transitions the ticket to IN_PROGRESS and reads its
// snapshot inside one transaction. The conditional UPDATE is the single
// serialization point: of two concurrent claims, exactly one sees a row.
func (r *escalationRepository) ClaimForEscalation(ctx context.Context, ticketID int64) (*TicketSnapshot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const claimQuery = `
        UPDATE tickets AS t
        SET escalation_status=$1, escalation_date=NOW()
        FROM users AS u
        WHERE t.id=$2
          AND t.owner_id=u.id
          AND t.escalation_status IN ($3, $4)
          AND t.status NOT IN ($5, $6)
        RETURNING t.id, t.subject, t.description, t.category, t.school_id, t.owner_id, u.name, t.status`

	snapshot := &TicketSnapshot{}
	err = tx.QueryRow(ctx, claimQuery,
		domain.EscalationInProgress,
		ticketID,
		domain.EscalationNotDone,
		domain.EscalationFailed,
		domain.TicketStatusResolved,
		domain.TicketStatusClosed,
	).Scan(
		&snapshot.ID,
		&snapshot.Subject,
		&snapshot.Description,
		&snapshot.Category,
		&snapshot.SchoolID,
		&snapshot.OwnerID,
		&snapshot.OwnerName,
		&snapshot.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, err
	}

	snapshot.Attachments, err = fetchTicketAttachments(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}

	const commentsQuery = `
        SELECT c.id, c.ticket_id, c.owner_id, u.name, c.content, c.created_at
        FROM comments AS c
        INNER JOIN users AS u ON c.owner_id=u.id
        WHERE c.ticket_id=$1
        ORDER BY c.created_at ASC, c.id ASC`
	rows, err := tx.Query(ctx, commentsQuery, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var comment domain.Comment
		if err := rows.Scan(
			&comment.ID,
			&comment.TicketID,
			&comment.OwnerID,
			&comment.OwnerName,
			&comment.Content,
			&comment.CreatedAt,
		); err != nil {
			return nil, err
		}
		snapshot.Comments = append(snapshot.Comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RecordSuccess marks the escalation SUCCESSFUL, persists the remote issue
// and its attachment links. All three effects land in one transaction.
func (r *escalationRepository) RecordSuccess(ctx context.Context, ticketID int64, issue *domain.RemoteIssue, links []domain.RemoteAttachmentLink) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cmd, err := tx.Exec(ctx, `
        UPDATE tickets SET escalation_status=$1, escalation_date=NOW() WHERE id=$2`,
		domain.EscalationSuccessful, ticketID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO bug_tracker_issues (id, ticket_id, content, owner_id, remote_updated_at)
        VALUES ($1,$2,$3,$4,$5)`,
		issue.ID, ticketID, []byte(issue.Content), issue.OwnerID, issue.RemoteUpdatedAt,
	); err != nil {
		return err
	}

	for _, link := range links {
		if _, err := tx.Exec(ctx, `
            INSERT INTO bug_tracker_attachments (id, issue_id, document_id, blob_key, name, size)
            VALUES ($1,$2,$3,$4,$5,$6)`,
			link.ExternalID, issue.ID, link.DocumentID, link.BlobKey, link.Name, link.Size,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// RecordFailure marks the escalation FAILED so the ticket can be
// re-escalated.
func (r *escalationRepository) RecordFailure(ctx context.Context, ticketID int64) error {
	cmd, err := r.pool.Exec(ctx, `
        UPDATE tickets SET escalation_status=$1, escalation_date=NOW() WHERE id=$2`,
		domain.EscalationFailed, ticketID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *escalationRepository) IssueIDForTicket(ctx context.Context, ticketID int64) (int64, bool, error) {
	var issueID int64
	err := r.pool.QueryRow(ctx, `
        SELECT id FROM bug_tracker_issues WHERE ticket_id=$1`, ticketID).Scan(&issueID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return issueID, true, nil
}

func (r *escalationRepository) TicketAttachments(ctx context.Context, ticketID int64) ([]domain.LocalAttachment, error) {
	return fetchTicketAttachments(ctx, r.pool, ticketID)
}

func (r *escalationRepository) LinkedDocumentIDs(ctx context.Context, issueID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT document_id FROM bug_tracker_attachments
        WHERE issue_id=$1 AND document_id IS NOT NULL`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *escalationRepository) InsertAttachmentLinks(ctx context.Context, issueID int64, links []domain.RemoteAttachmentLink) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, link := range links {
		if _, err := tx.Exec(ctx, `
            INSERT INTO bug_tracker_attachments (id, issue_id, document_id, blob_key, name, size)
            VALUES ($1,$2,$3,$4,$5,$6)`,
			link.ExternalID, issueID, link.DocumentID, link.BlobKey, link.Name, link.Size,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *escalationRepository) LinkDownloadedAttachment(ctx context.Context, issueID, externalID int64, blobKey, name string, size int64) error {
	return r.InsertAttachmentLinks(ctx, issueID, []domain.RemoteAttachmentLink{{
		ExternalID: externalID,
		IssueID:    issueID,
		BlobKey:    &blobKey,
		Name:       name,
		Size:       size,
	}})
}

// IntersectKnownIssues returns which of the candidate tracker issue ids are
// known locally, each with the attachment ids already linked.
func (r *escalationRepository) IntersectKnownIssues(ctx context.Context, externalIDs []int64) ([]KnownIssue, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	const query = `
        SELECT i.id,
               COALESCE(array_agg(a.id) FILTER (WHERE a.id IS NOT NULL), '{}')
        FROM bug_tracker_issues AS i
        LEFT JOIN bug_tracker_attachments AS a ON i.id=a.issue_id
        WHERE i.id = ANY($1)
        GROUP BY i.id`
	rows, err := r.pool.Query(ctx, query, externalIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var known []KnownIssue
	for rows.Next() {
		var issue KnownIssue
		if err := rows.Scan(&issue.ID, &issue.AttachmentExternalIDs); err != nil {
			return nil, err
		}
		known = append(known, issue)
	}
	return known, rows.Err()
}

// RefreshIssueContent overwrites the stored raw content and returns the
// remote status id read from the previous content, so the caller can detect
// a status transition.
func (r *escalationRepository) RefreshIssueContent(ctx context.Context, issueID int64, content []byte, remoteUpdatedAt time.Time) (int64, error) {
	const query = `
        WITH previous AS (
            SELECT id, COALESCE((content #>> '{issue,status,id}')::bigint, -1) AS status_id
            FROM bug_tracker_issues WHERE id=$1
        )
        UPDATE bug_tracker_issues AS i
        SET content=$2, remote_updated_at=$3
        FROM previous AS p
        WHERE i.id=p.id
        RETURNING p.status_id`

	var previousStatusID int64
	if err := r.pool.QueryRow(ctx, query, issueID, content, remoteUpdatedAt).Scan(&previousStatusID); err != nil {
		return 0, err
	}
	return previousStatusID, nil
}

func (r *escalationRepository) TicketForIssue(ctx context.Context, issueID int64) (*IssueTicket, error) {
	var ticket IssueTicket
	err := r.pool.QueryRow(ctx, `
        SELECT t.id, t.school_id, t.owner_id
        FROM tickets AS t
        INNER JOIN bug_tracker_issues AS i ON t.id=i.ticket_id
        WHERE i.id=$1`, issueID).Scan(&ticket.TicketID, &ticket.SchoolID, &ticket.OwnerID)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// LastRemoteUpdate returns the newest stored remote-modification timestamp,
// or nil when no issues exist. Seeds the reconciliation watermark at startup.
func (r *escalationRepository) LastRemoteUpdate(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	if err := r.pool.QueryRow(ctx, `
        SELECT max(remote_updated_at) FROM bug_tracker_issues`).Scan(&last); err != nil {
		return nil, err
	}
	return last, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func fetchTicketAttachments(ctx context.Context, q querier, ticketID int64) ([]domain.LocalAttachment, error) {
	rows, err := q.Query(ctx, `
        SELECT id, ticket_id, document_id, name, size
        FROM attachments WHERE ticket_id=$1 ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.LocalAttachment
	for rows.Next() {
		var att domain.LocalAttachment
		if err := rows.Scan(&att.ID, &att.TicketID, &att.DocumentID, &att.Name, &att.Size); err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, rows.Err()
}
