package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/events"
	"github.com/spec-kit/escalation-service/internal/observability"
	"github.com/spec-kit/escalation-service/internal/repository"
	"github.com/spec-kit/escalation-service/internal/tracker"
	"github.com/spec-kit/escalation-service/internal/transfer"
)

// Config controls the periodic pull from the bug tracker.
type Config struct {
	Period           time.Duration
	PageLimit        int
	IssueConcurrency int
	ResolvedStatusID int64
	ClosedStatusID   int64
	PublicBaseURL    string
}

// Dependencies bundles collaborators for the loop.
type Dependencies struct {
	Store      repository.EscalationRepository
	Tracker    tracker.Client
	Transfer   *transfer.AttachmentTransfer
	Users      repository.UserRepository
	History    repository.HistoryRepository
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Loop periodically pulls remotely changed issues, refreshes their stored
// content, downloads new remote attachments and raises notifications on
// status transitions. It runs for the lifetime of the process.
type Loop struct {
	store      repository.EscalationRepository
	tracker    tracker.Client
	transfer   *transfer.AttachmentTransfer
	users      repository.UserRepository
	history    repository.HistoryRepository
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        Config

	running   atomic.Bool
	watermark *time.Time
}

// NewLoop constructs the reconciliation loop.
func NewLoop(cfg Config, deps Dependencies) *Loop {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.IssueConcurrency <= 0 {
		cfg.IssueConcurrency = 4
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Minute
	}
	return &Loop{
		store:      deps.Store,
		tracker:    deps.Tracker,
		transfer:   deps.Transfer,
		users:      deps.Users,
		history:    deps.History,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
	}
}

// Start seeds the watermark from storage and launches the periodic timer.
// A tick still running when the next would fire causes that firing to be
// skipped, never overlapped.
func (l *Loop) Start(ctx context.Context) {
	last, err := l.store.LastRemoteUpdate(ctx)
	if err != nil {
		l.logger.Warn("could not seed reconciliation watermark, pulling all issues", zap.Error(err))
	} else {
		l.watermark = last
	}
	if l.watermark != nil {
		l.logger.Info("reconciliation watermark seeded", zap.Time("since", *l.watermark))
	}
	l.logger.Info("bug tracker data will be pulled periodically", zap.Duration("period", l.cfg.Period))

	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.running.CompareAndSwap(false, true) {
				l.logger.Warn("previous reconciliation tick still running, skipping")
				continue
			}
			go func() {
				defer l.running.Store(false)
				l.RunOnce(ctx)
			}()
		}
	}
}

// RunOnce performs one reconciliation tick. Individual issue failures are
// isolated; the watermark advances only after the tick completes. A tick
// whose listing failed entirely keeps the previous watermark so the next
// tick retries the same window.
func (l *Loop) RunOnce(ctx context.Context) {
	tickStart := time.Now()

	ids, err := l.listChangedIssueIDs(ctx)
	if err != nil {
		l.logger.Error("listing changed issues failed", zap.Error(err))
		return
	}

	if len(ids) > 0 {
		known, err := l.store.IntersectKnownIssues(ctx, ids)
		if err != nil {
			l.logger.Error("intersecting known issues failed", zap.Error(err))
			return
		}
		l.logger.Debug("reconciling issues",
			zap.Int("changed", len(ids)), zap.Int("known", len(known)))
		l.reconcileIssues(ctx, known)
	}

	l.watermark = &tickStart
	l.metrics.RecordReconcileTick()
}

// listChangedIssueIDs pages through the tracker listing until the whole
// result set is covered, deduplicating ids across pages.
func (l *Loop) listChangedIssueIDs(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64

	offset := 0
	for {
		page, err := l.tracker.ListIssuesSince(ctx, l.watermark, offset, l.cfg.PageLimit)
		if err != nil {
			return nil, err
		}
		for _, ref := range page.Issues {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			ids = append(ids, ref.ID)
		}
		if len(page.Issues) == 0 || page.Offset+len(page.Issues) >= page.TotalCount {
			return ids, nil
		}
		offset = page.Offset + len(page.Issues)
	}
}

func (l *Loop) reconcileIssues(ctx context.Context, known []repository.KnownIssue) {
	sem := make(chan struct{}, l.cfg.IssueConcurrency)
	var wg sync.WaitGroup
	for _, issue := range known {
		wg.Add(1)
		go func(issue repository.KnownIssue) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			l.reconcileIssue(ctx, issue)
		}(issue)
	}
	wg.Wait()
}

func (l *Loop) reconcileIssue(ctx context.Context, known repository.KnownIssue) {
	content, err := l.tracker.GetIssue(ctx, known.ID)
	if err != nil {
		l.logger.Error("fetching issue failed", zap.Int64("issue_id", known.ID), zap.Error(err))
		return
	}

	previousStatusID, err := l.store.RefreshIssueContent(ctx, known.ID, content.Raw, content.UpdatedOn())
	if err != nil {
		l.logger.Error("refreshing issue content failed", zap.Int64("issue_id", known.ID), zap.Error(err))
		return
	}

	if newStatusID := content.StatusID(); newStatusID != previousStatusID {
		l.notifyStatusChanged(ctx, known.ID, previousStatusID, newStatusID, content)
	}

	l.syncRemoteAttachments(ctx, known, content)
}

// notifyStatusChanged emits one notification event addressed to the ticket
// owner and the school's local administrators, and appends a history entry
// summarizing the remote change.
func (l *Loop) notifyStatusChanged(ctx context.Context, issueID, oldStatusID, newStatusID int64, content *tracker.IssueContent) {
	ticket, err := l.store.TicketForIssue(ctx, issueID)
	if err != nil {
		l.logger.Error("cannot resolve ticket for issue, notification skipped",
			zap.Int64("issue_id", issueID), zap.Error(err))
		return
	}

	recipients := []string{ticket.OwnerID}
	admins, err := l.users.ListLocalAdministrators(ctx, ticket.SchoolID)
	if err != nil {
		l.logger.Warn("cannot list local administrators, notifying owner only",
			zap.String("school_id", ticket.SchoolID), zap.Error(err))
	}
	for _, admin := range admins {
		if admin.ID != ticket.OwnerID {
			recipients = append(recipients, admin.ID)
		}
	}

	kind := events.EventIssueUpdated
	switch newStatusID {
	case l.cfg.ResolvedStatusID:
		kind = events.EventIssueResolved
	case l.cfg.ClosedStatusID:
		kind = events.EventIssueClosed
	}

	payload := events.IssueStatusChangedPayload{
		IssueID:     issueID,
		OldStatusID: oldStatusID,
		NewStatusID: newStatusID,
		Recipients:  recipients,
		TicketURI:   fmt.Sprintf("%s/support#/ticket/%d", strings.TrimRight(l.cfg.PublicBaseURL, "/"), ticket.TicketID),
	}
	_ = l.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      kind,
		TicketID:  ticket.TicketID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	l.metrics.RecordNotification(string(kind))

	entry := &domain.TicketHistory{
		TicketID:   ticket.TicketID,
		ChangeType: domain.ChangeTypeRemoteIssue,
		OldValue:   map[string]any{"status_id": oldStatusID},
		NewValue: map[string]any{
			"status_id": newStatusID,
			"summary":   journalSummary(content.LastJournal()),
		},
	}
	if err := l.history.Create(ctx, entry); err != nil {
		l.logger.Error("could not record issue change history",
			zap.Int64("ticket_id", ticket.TicketID), zap.Error(err))
	}
}

// syncRemoteAttachments downloads tracker attachments that are not linked
// locally yet. The diff is computed fresh from the store's knowledge each
// tick, so a crash between download and link merely repeats the download.
func (l *Loop) syncRemoteAttachments(ctx context.Context, known repository.KnownIssue, content *tracker.IssueContent) {
	linked := make(map[int64]struct{}, len(known.AttachmentExternalIDs))
	for _, id := range known.AttachmentExternalIDs {
		linked[id] = struct{}{}
	}

	for _, desc := range content.Attachments() {
		if _, ok := linked[desc.ID]; ok {
			continue
		}
		blobKey, err := l.transfer.Download(ctx, desc)
		if err != nil {
			l.logger.Error("attachment download failed, will retry next tick",
				zap.Int64("issue_id", known.ID),
				zap.Int64("attachment_id", desc.ID),
				zap.Error(err))
			continue
		}
		if err := l.store.LinkDownloadedAttachment(ctx, known.ID, desc.ID, blobKey, desc.Filename, desc.Filesize); err != nil {
			l.logger.Error("linking downloaded attachment failed",
				zap.Int64("issue_id", known.ID),
				zap.Int64("attachment_id", desc.ID),
				zap.Error(err))
			continue
		}
		l.logger.Info("downloaded new issue attachment",
			zap.Int64("issue_id", known.ID),
			zap.Int64("attachment_id", desc.ID))
	}
}

// journalSummary derives a coarse, deduplicated description of what changed
// from the newest journal entry.
func journalSummary(journal *tracker.JournalEntry) string {
	if journal == nil {
		return ""
	}
	var (
		parts      []string
		attr       bool
		attachment bool
		other      bool
	)
	for _, detail := range journal.Details {
		switch detail.Property {
		case "attr":
			if !attr {
				parts = append(parts, "fields changed")
				attr = true
			}
		case "attachment":
			if !attachment {
				parts = append(parts, "attachment changed")
				attachment = true
			}
		default:
			if !other {
				parts = append(parts, "other")
				other = true
			}
		}
	}
	return strings.Join(parts, ", ")
}
