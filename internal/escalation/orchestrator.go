package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/escalation-service/internal/config"
	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/events"
	"github.com/spec-kit/escalation-service/internal/observability"
	"github.com/spec-kit/escalation-service/internal/repository"
	"github.com/spec-kit/escalation-service/internal/tracker"
	"github.com/spec-kit/escalation-service/internal/transfer"
	apperrors "github.com/spec-kit/escalation-service/pkg/util"
)

// Orchestrator drives the create-issue workflow: claim, attachment upload
// fan-out, issue creation, comment aggregation and local finalization.
type Orchestrator struct {
	store      repository.EscalationRepository
	tracker    tracker.Client
	transfer   *transfer.AttachmentTransfer
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        config.TrackerConfig
}

// Dependencies bundles collaborators for the orchestrator.
type Dependencies struct {
	Store      repository.EscalationRepository
	Tracker    tracker.Client
	Transfer   *transfer.AttachmentTransfer
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewOrchestrator constructs the orchestrator.
func NewOrchestrator(cfg config.TrackerConfig, deps Dependencies) *Orchestrator {
	return &Orchestrator{
		store:      deps.Store,
		tracker:    deps.Tracker,
		transfer:   deps.Transfer,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
	}
}

// Result is the outcome of a successful escalation. Warning carries a
// non-fatal UPDATE_FAILED when the aggregated comment note could not be
// appended; the remote issue exists regardless.
type Result struct {
	Issue   *tracker.IssueContent
	Warning error
}

// attempt holds the state of one escalation run. Its lifetime is exactly one
// Escalate call; the upload accumulator is guarded because uploads write to
// it concurrently.
type attempt struct {
	snapshot        *repository.TicketSnapshot
	uploads         []tracker.Upload
	docByExternalID map[int64]domain.LocalAttachment
	issue           *tracker.IssueContent
	warning         error
}

// Escalate claims the ticket and runs the escalation protocol to completion.
// A conflicting claim returns immediately with no state change; any failure
// before the issue exists remotely records FAILED so the ticket can be
// re-escalated.
func (o *Orchestrator) Escalate(ctx context.Context, ticketID int64, actor *domain.User) (*Result, error) {
	snapshot, err := o.store.ClaimForEscalation(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repository.ErrNotClaimable) {
			o.metrics.RecordEscalation("conflict")
			return nil, apperrors.NewClaimConflict(ticketID)
		}
		return nil, apperrors.NewInternalError(err)
	}

	a := &attempt{snapshot: snapshot}

	if err := o.uploadTicketAttachments(ctx, a); err != nil {
		return nil, o.fail(ctx, ticketID, err)
	}
	if err := o.createIssue(ctx, a, actor); err != nil {
		return nil, o.fail(ctx, ticketID, err)
	}
	o.appendComments(ctx, a)
	return o.finalize(ctx, a, actor)
}

func (o *Orchestrator) uploadTicketAttachments(ctx context.Context, a *attempt) error {
	uploads, byID, err := o.uploadAll(ctx, a.snapshot.Attachments)
	if err != nil {
		return err
	}
	a.uploads = uploads
	a.docByExternalID = byID
	return nil
}

// uploadAll uploads attachments with bounded concurrency. The first failure
// wins: outstanding uploads are canceled and no partial set is returned.
func (o *Orchestrator) uploadAll(ctx context.Context, atts []domain.LocalAttachment) ([]tracker.Upload, map[int64]domain.LocalAttachment, error) {
	byID := make(map[int64]domain.LocalAttachment, len(atts))
	if len(atts) == 0 {
		return nil, byID, nil
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	concurrency := o.cfg.UploadConcurrency
	if concurrency <= 0 || concurrency > len(atts) {
		concurrency = len(atts)
	}
	sem := make(chan struct{}, concurrency)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		uploads  []tracker.Upload
		firstErr error
	)

	for _, att := range atts {
		wg.Add(1)
		go func(att domain.LocalAttachment) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-uploadCtx.Done():
				return
			}
			defer func() { <-sem }()

			upload, externalID, err := o.transfer.Upload(uploadCtx, att)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			uploads = append(uploads, upload)
			byID[externalID] = att
		}(att)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, nil, apperrors.NewUploadFailed(firstErr)
	}
	return uploads, byID, nil
}

func (o *Orchestrator) createIssue(ctx context.Context, a *attempt, actor *domain.User) error {
	fields := tracker.IssueFields{
		ProjectID:   o.cfg.ProjectID,
		Subject:     a.snapshot.Subject,
		Description: buildDescription(a.snapshot, actor),
	}
	issue, err := o.tracker.CreateIssue(ctx, fields, a.uploads)
	if err != nil {
		return apperrors.NewCreateFailed(err)
	}
	a.issue = issue
	return nil
}

// appendComments relays the ticket's comment thread as one aggregated note.
// A failure here is non-fatal: the remote issue is authoritative once
// created and must not be lost over a missing note.
func (o *Orchestrator) appendComments(ctx context.Context, a *attempt) {
	if len(a.snapshot.Comments) == 0 {
		return
	}
	note := AggregateComments(a.snapshot.Comments)
	if err := o.tracker.AppendNote(ctx, a.issue.ID(), note); err != nil {
		o.logger.Warn("issue created but comment note could not be appended",
			zap.Int64("ticket_id", a.snapshot.ID),
			zap.Int64("issue_id", a.issue.ID()),
			zap.Error(err))
		a.warning = apperrors.NewUpdateFailed(err)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, a *attempt, actor *domain.User) (*Result, error) {
	issue := a.issue

	// Re-fetch so the stored content carries the server-assigned attachment
	// descriptors; fall back to the create response when the fetch fails.
	if fresh, err := o.tracker.GetIssue(ctx, issue.ID()); err == nil {
		issue = fresh
	} else {
		o.logger.Warn("could not re-fetch created issue, storing create response",
			zap.Int64("issue_id", issue.ID()), zap.Error(err))
	}

	var links []domain.RemoteAttachmentLink
	for _, desc := range issue.Attachments() {
		att, ok := a.docByExternalID[desc.ID]
		if !ok {
			continue
		}
		documentID := att.DocumentID
		links = append(links, domain.RemoteAttachmentLink{
			ExternalID: desc.ID,
			IssueID:    issue.ID(),
			DocumentID: &documentID,
			Name:       desc.Filename,
			Size:       desc.Filesize,
		})
	}

	remote := &domain.RemoteIssue{
		ID:              issue.ID(),
		TicketID:        a.snapshot.ID,
		Content:         issue.Raw,
		OwnerID:         actor.ID,
		RemoteUpdatedAt: issue.UpdatedOn(),
	}
	if err := o.store.RecordSuccess(ctx, a.snapshot.ID, remote, links); err != nil {
		o.metrics.RecordEscalation("persist_failed")
		o.logger.Error("remote issue exists but local bookkeeping failed; issue is orphaned until repaired",
			zap.Int64("ticket_id", a.snapshot.ID),
			zap.Int64("issue_id", issue.ID()),
			zap.Error(err))
		return nil, apperrors.NewPersistAfterRemoteSuccess(issue.ID(), err)
	}

	o.metrics.RecordEscalation("success")
	o.logger.Info("ticket escalated",
		zap.Int64("ticket_id", a.snapshot.ID),
		zap.Int64("issue_id", issue.ID()),
		zap.Int("attachments", len(links)),
		zap.Int("comments", len(a.snapshot.Comments)))
	o.publishEscalated(ctx, a.snapshot.ID, issue.ID(), actor, a.warning)

	return &Result{Issue: issue, Warning: a.warning}, nil
}

func (o *Orchestrator) fail(ctx context.Context, ticketID int64, cause error) error {
	o.metrics.RecordEscalation("failed")
	if err := o.store.RecordFailure(ctx, ticketID); err != nil {
		o.logger.Error("could not record escalation failure",
			zap.Int64("ticket_id", ticketID), zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) publishEscalated(ctx context.Context, ticketID, issueID int64, actor *domain.User, warning error) {
	if o.dispatcher == nil {
		return
	}
	payload := events.TicketEscalatedPayload{
		IssueID:     issueID,
		EscalatedBy: actor.ID,
	}
	if warning != nil {
		payload.Warning = warning.Error()
	}
	_ = o.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventTicketEscalated,
		TicketID:  ticketID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// RelayComment appends one local comment to the ticket's linked issue.
// Tickets without a linked issue are rejected.
func (o *Orchestrator) RelayComment(ctx context.Context, ticketID int64, comment domain.Comment) error {
	issueID, ok, err := o.store.IssueIDForTicket(ctx, ticketID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !ok {
		return apperrors.NewNotEscalated(ticketID)
	}
	note := AggregateComments([]domain.Comment{comment})
	if err := o.tracker.AppendNote(ctx, issueID, note); err != nil {
		return apperrors.NewUpdateFailed(err)
	}
	return nil
}

// SyncAttachments uploads local attachments that are not yet linked to the
// ticket's issue and attaches them remotely. A ticket without a linked issue
// is a no-op, not an error.
func (o *Orchestrator) SyncAttachments(ctx context.Context, ticketID int64) error {
	issueID, ok, err := o.store.IssueIDForTicket(ctx, ticketID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !ok {
		return nil
	}

	atts, err := o.store.TicketAttachments(ctx, ticketID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	linkedDocs, err := o.store.LinkedDocumentIDs(ctx, issueID)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	linked := make(map[string]struct{}, len(linkedDocs))
	for _, id := range linkedDocs {
		linked[id] = struct{}{}
	}

	var pending []domain.LocalAttachment
	for _, att := range atts {
		if _, ok := linked[att.DocumentID]; !ok {
			pending = append(pending, att)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	uploads, byID, err := o.uploadAll(ctx, pending)
	if err != nil {
		return err
	}
	if err := o.tracker.AppendUploads(ctx, issueID, uploads); err != nil {
		return apperrors.NewUpdateFailed(err)
	}

	links := make([]domain.RemoteAttachmentLink, 0, len(byID))
	for externalID, att := range byID {
		documentID := att.DocumentID
		links = append(links, domain.RemoteAttachmentLink{
			ExternalID: externalID,
			IssueID:    issueID,
			DocumentID: &documentID,
			Name:       att.Name,
			Size:       att.Size,
		})
	}
	if err := o.store.InsertAttachmentLinks(ctx, issueID, links); err != nil {
		return apperrors.NewPersistAfterRemoteSuccess(issueID, err)
	}

	o.logger.Info("synced attachments to issue",
		zap.Int64("ticket_id", ticketID),
		zap.Int64("issue_id", issueID),
		zap.Int("uploaded", len(links)))
	return nil
}

// AggregateComments renders comments oldest first, each entry tagged with
// author and creation time.
func AggregateComments(comments []domain.Comment) string {
	var sb strings.Builder
	for _, comment := range comments {
		sb.WriteString(comment.OwnerName)
		sb.WriteString(", on ")
		sb.WriteString(comment.CreatedAt.Format("2006-01-02 15:04:05"))
		sb.WriteString("\n\n")
		sb.WriteString(comment.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func buildDescription(snapshot *repository.TicketSnapshot, actor *domain.User) string {
	var sb strings.Builder
	appendField(&sb, "Category", snapshot.Category)
	appendField(&sb, "Ticket owner", snapshot.OwnerName)
	appendField(&sb, "Ticket id", fmt.Sprintf("%d", snapshot.ID))
	appendField(&sb, "School", snapshot.SchoolID)
	appendField(&sb, "Escalated by", actor.Name)
	sb.WriteString("\n")
	sb.WriteString(snapshot.Description)
	return sb.String()
}

func appendField(sb *strings.Builder, label, value string) {
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}
