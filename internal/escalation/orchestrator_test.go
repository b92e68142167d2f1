package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/escalation-service/internal/blobstore"
	"github.com/spec-kit/escalation-service/internal/config"
	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/events"
	"github.com/spec-kit/escalation-service/internal/observability"
	"github.com/spec-kit/escalation-service/internal/repository"
	"github.com/spec-kit/escalation-service/internal/tracker"
	"github.com/spec-kit/escalation-service/internal/transfer"
	apperrors "github.com/spec-kit/escalation-service/pkg/util"
)

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]*blobstore.Blob
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string]*blobstore.Blob)}
}

func (m *memBlobs) Fetch(_ context.Context, key string) (*blobstore.Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	return blob, nil
}

func (m *memBlobs) Save(_ context.Context, key string, blob *blobstore.Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = blob
	return nil
}

// fakeTracker counts calls and hands out sequential upload tokens. Hooks
// override individual operations per test.
type fakeTracker struct {
	mu          sync.Mutex
	nextID      int64
	uploaded    []string
	notes       []string
	appendedTo  []int64
	createCalls int32

	uploadErr    error
	appendErr    error
	createIssue  func() (*tracker.IssueContent, error)
	getIssue     func(issueID int64) (*tracker.IssueContent, error)
	appendUpErr  error
	uploadsAdded [][]tracker.Upload
}

func (f *fakeTracker) UploadBlob(_ context.Context, data []byte, _ string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	token := fmt.Sprintf("%d.cafe", 100+f.nextID)
	f.uploaded = append(f.uploaded, string(data))
	return token, nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, fields tracker.IssueFields, uploads []tracker.Upload) (*tracker.IssueContent, error) {
	atomic.AddInt32(&f.createCalls, 1)
	if f.createIssue != nil {
		return f.createIssue()
	}
	return issueContent(9001, 1, nil)
}

func (f *fakeTracker) AppendNote(_ context.Context, issueID int64, note string) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	f.appendedTo = append(f.appendedTo, issueID)
	return nil
}

func (f *fakeTracker) AppendUploads(_ context.Context, issueID int64, uploads []tracker.Upload) error {
	if f.appendUpErr != nil {
		return f.appendUpErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadsAdded = append(f.uploadsAdded, uploads)
	return nil
}

func (f *fakeTracker) GetIssue(_ context.Context, issueID int64) (*tracker.IssueContent, error) {
	if f.getIssue != nil {
		return f.getIssue(issueID)
	}
	return issueContent(issueID, 1, nil)
}

func (f *fakeTracker) ListIssuesSince(context.Context, *time.Time, int, int) (*tracker.IssuePage, error) {
	return &tracker.IssuePage{}, nil
}

func (f *fakeTracker) DownloadAttachment(context.Context, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func issueContent(id, statusID int64, attachmentIDs []int64) (*tracker.IssueContent, error) {
	var atts []string
	for _, attID := range attachmentIDs {
		atts = append(atts, fmt.Sprintf(`{"id":%d,"filename":"f%d.bin","filesize":3,"content_url":"http://x/%d"}`, attID, attID, attID))
	}
	raw := fmt.Sprintf(`{"issue":{"id":%d,"status":{"id":%d},"updated_on":"2026-08-28T10:00:00Z","attachments":[%s]}}`,
		id, statusID, strings.Join(atts, ","))
	return tracker.ParseIssueContent([]byte(raw))
}

// fakeStore is an in-memory EscalationRepository with a channel-free claim
// guard so concurrent claims behave like the conditional UPDATE.
type fakeStore struct {
	mu       sync.Mutex
	snapshot *repository.TicketSnapshot
	claimed  bool

	successTicket int64
	successIssue  *domain.RemoteIssue
	successLinks  []domain.RemoteAttachmentLink
	failures      []int64
	successErr    error

	issueID    int64
	hasIssue   bool
	linkedDocs []string
	inserted   []domain.RemoteAttachmentLink
}

func (s *fakeStore) ClaimForEscalation(_ context.Context, ticketID int64) (*repository.TicketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed || s.snapshot == nil || s.snapshot.ID != ticketID {
		return nil, repository.ErrNotClaimable
	}
	s.claimed = true
	return s.snapshot, nil
}

func (s *fakeStore) RecordSuccess(_ context.Context, ticketID int64, issue *domain.RemoteIssue, links []domain.RemoteAttachmentLink) error {
	if s.successErr != nil {
		return s.successErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successTicket = ticketID
	s.successIssue = issue
	s.successLinks = links
	return nil
}

func (s *fakeStore) RecordFailure(_ context.Context, ticketID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, ticketID)
	s.claimed = false
	return nil
}

func (s *fakeStore) IssueIDForTicket(context.Context, int64) (int64, bool, error) {
	return s.issueID, s.hasIssue, nil
}

func (s *fakeStore) TicketAttachments(context.Context, int64) ([]domain.LocalAttachment, error) {
	if s.snapshot == nil {
		return nil, nil
	}
	return s.snapshot.Attachments, nil
}

func (s *fakeStore) LinkedDocumentIDs(context.Context, int64) ([]string, error) {
	return s.linkedDocs, nil
}

func (s *fakeStore) InsertAttachmentLinks(_ context.Context, _ int64, links []domain.RemoteAttachmentLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, links...)
	return nil
}

func (s *fakeStore) LinkDownloadedAttachment(context.Context, int64, int64, string, string, int64) error {
	return nil
}

func (s *fakeStore) IntersectKnownIssues(context.Context, []int64) ([]repository.KnownIssue, error) {
	return nil, nil
}

func (s *fakeStore) RefreshIssueContent(context.Context, int64, []byte, time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) TicketForIssue(context.Context, int64) (*repository.IssueTicket, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) LastRemoteUpdate(context.Context) (*time.Time, error) {
	return nil, nil
}

func testActor() *domain.User {
	return &domain.User{ID: "admin-1", Name: "Dana Admin", Role: domain.RoleLocalAdmin, SchoolID: "school-1"}
}

func testSnapshot(atts []domain.LocalAttachment, comments []domain.Comment) *repository.TicketSnapshot {
	return &repository.TicketSnapshot{
		ID:          77,
		Subject:     "printer broken",
		Description: "it smokes",
		Category:    "hardware",
		SchoolID:    "school-1",
		OwnerID:     "user-1",
		OwnerName:   "Olaf Owner",
		Status:      domain.TicketStatusOpened,
		Attachments: atts,
		Comments:    comments,
	}
}

func newTestOrchestrator(store *fakeStore, trk *fakeTracker, blobs *memBlobs) (*Orchestrator, *observability.Metrics, events.Dispatcher) {
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher()
	orch := NewOrchestrator(config.TrackerConfig{ProjectID: 7, UploadConcurrency: 2}, Dependencies{
		Store:      store,
		Tracker:    trk,
		Transfer:   transfer.New(blobs, trk),
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     zap.NewNop(),
	})
	return orch, metrics, dispatcher
}

func TestEscalateAggregatesCommentsIntoOneNote(t *testing.T) {
	comments := []domain.Comment{
		{OwnerName: "Olaf Owner", Content: "still broken", CreatedAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)},
		{OwnerName: "Dana Admin", Content: "restarted it", CreatedAt: time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)},
	}
	store := &fakeStore{snapshot: testSnapshot(nil, comments)}
	trk := &fakeTracker{}
	orch, metrics, _ := newTestOrchestrator(store, trk, newMemBlobs())

	result, err := orch.Escalate(context.Background(), 77, testActor())
	require.NoError(t, err)
	require.Nil(t, result.Warning)
	assert.Equal(t, int64(9001), result.Issue.ID())

	require.Len(t, trk.notes, 1, "comments must land in a single note")
	note := trk.notes[0]
	assert.Contains(t, note, "Olaf Owner, on 2026-08-20 09:00:00")
	assert.Contains(t, note, "still broken")
	assert.Contains(t, note, "Dana Admin, on 2026-08-21 09:00:00")
	assert.Less(t, strings.Index(note, "still broken"), strings.Index(note, "restarted it"),
		"notes must be ordered oldest first")

	require.NotNil(t, store.successIssue)
	assert.Equal(t, int64(9001), store.successIssue.ID)
	assert.Equal(t, "admin-1", store.successIssue.OwnerID)
	assert.Equal(t, int64(1), metrics.EscalationCount("success"))
}

func TestEscalateUploadsAttachmentsBeforeCreate(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.Save(context.Background(), "doc-a", &blobstore.Blob{Data: []byte("aaa"), ContentType: "text/plain"}))
	require.NoError(t, blobs.Save(context.Background(), "doc-b", &blobstore.Blob{Data: []byte("bbb"), ContentType: "text/plain"}))

	atts := []domain.LocalAttachment{
		{ID: 1, TicketID: 77, DocumentID: "doc-a", Name: "a.txt", Size: 3},
		{ID: 2, TicketID: 77, DocumentID: "doc-b", Name: "b.txt", Size: 3},
	}
	store := &fakeStore{snapshot: testSnapshot(atts, nil)}
	trk := &fakeTracker{}
	trk.getIssue = func(issueID int64) (*tracker.IssueContent, error) {
		return issueContent(issueID, 1, []int64{101, 102})
	}
	orch, _, _ := newTestOrchestrator(store, trk, blobs)

	_, err := orch.Escalate(context.Background(), 77, testActor())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"aaa", "bbb"}, trk.uploaded)
	require.Len(t, store.successLinks, 2)

	var externalIDs []int64
	var docIDs []string
	for _, link := range store.successLinks {
		externalIDs = append(externalIDs, link.ExternalID)
		require.NotNil(t, link.DocumentID)
		docIDs = append(docIDs, *link.DocumentID)
	}
	assert.ElementsMatch(t, []int64{101, 102}, externalIDs)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, docIDs)
}

func TestEscalateUploadFailureAbortsBeforeCreate(t *testing.T) {
	blobs := newMemBlobs()
	atts := []domain.LocalAttachment{{ID: 1, TicketID: 77, DocumentID: "missing", Name: "a.txt"}}
	store := &fakeStore{snapshot: testSnapshot(atts, nil)}
	trk := &fakeTracker{}
	orch, metrics, _ := newTestOrchestrator(store, trk, blobs)

	_, err := orch.Escalate(context.Background(), 77, testActor())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUploadFailed))

	assert.Zero(t, atomic.LoadInt32(&trk.createCalls), "issue must not be created after an upload failure")
	assert.Equal(t, []int64{77}, store.failures)
	assert.Empty(t, store.successLinks)
	assert.Equal(t, int64(1), metrics.EscalationCount("failed"))
}

func TestEscalateConcurrentClaimsYieldOneWinner(t *testing.T) {
	store := &fakeStore{snapshot: testSnapshot(nil, nil)}
	trk := &fakeTracker{}
	orch, _, _ := newTestOrchestrator(store, trk, newMemBlobs())

	const n = 8
	var wg sync.WaitGroup
	var conflicts, wins int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Escalate(context.Background(), 77, testActor())
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case apperrors.HasCode(err, apperrors.CodeEscalationConflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(n-1), conflicts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&trk.createCalls))
}

func TestEscalateNoteFailureIsSuccessWithWarning(t *testing.T) {
	comments := []domain.Comment{{OwnerName: "Olaf Owner", Content: "hello", CreatedAt: time.Now()}}
	store := &fakeStore{snapshot: testSnapshot(nil, comments)}
	trk := &fakeTracker{appendErr: errors.New("tracker down")}
	orch, metrics, _ := newTestOrchestrator(store, trk, newMemBlobs())

	result, err := orch.Escalate(context.Background(), 77, testActor())
	require.NoError(t, err, "a failed note must not fail the escalation")
	require.NotNil(t, result.Warning)
	assert.True(t, apperrors.HasCode(result.Warning, apperrors.CodeUpdateFailed))

	require.NotNil(t, store.successIssue, "success must still be recorded")
	assert.Empty(t, store.failures)
	assert.Equal(t, int64(1), metrics.EscalationCount("success"))
}

func TestEscalatePersistFailureReportsOrphanedIssue(t *testing.T) {
	store := &fakeStore{snapshot: testSnapshot(nil, nil), successErr: errors.New("db down")}
	trk := &fakeTracker{}
	orch, metrics, _ := newTestOrchestrator(store, trk, newMemBlobs())

	_, err := orch.Escalate(context.Background(), 77, testActor())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePersistAfterRemoteSuccess))
	assert.Empty(t, store.failures, "the ticket must not be reset to FAILED after the issue exists")
	assert.Equal(t, int64(1), metrics.EscalationCount("persist_failed"))
}

func TestRelayCommentRequiresLinkedIssue(t *testing.T) {
	store := &fakeStore{hasIssue: false}
	trk := &fakeTracker{}
	orch, _, _ := newTestOrchestrator(store, trk, newMemBlobs())

	err := orch.RelayComment(context.Background(), 77, domain.Comment{OwnerName: "Olaf Owner", Content: "hi", CreatedAt: time.Now()})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeEscalationConflict))
	assert.Empty(t, trk.notes)
}

func TestRelayCommentAppendsNote(t *testing.T) {
	store := &fakeStore{hasIssue: true, issueID: 9001}
	trk := &fakeTracker{}
	orch, _, _ := newTestOrchestrator(store, trk, newMemBlobs())

	err := orch.RelayComment(context.Background(), 77, domain.Comment{
		OwnerName: "Olaf Owner",
		Content:   "any news?",
		CreatedAt: time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, trk.notes, 1)
	assert.Equal(t, []int64{9001}, trk.appendedTo)
	assert.Contains(t, trk.notes[0], "Olaf Owner, on 2026-08-22 08:00:00")
	assert.Contains(t, trk.notes[0], "any news?")
}

func TestSyncAttachmentsUploadsOnlyUnlinked(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.Save(context.Background(), "doc-new", &blobstore.Blob{Data: []byte("new"), ContentType: "text/plain"}))

	atts := []domain.LocalAttachment{
		{ID: 1, TicketID: 77, DocumentID: "doc-old", Name: "old.txt"},
		{ID: 2, TicketID: 77, DocumentID: "doc-new", Name: "new.txt", Size: 3},
	}
	store := &fakeStore{
		snapshot:   testSnapshot(atts, nil),
		hasIssue:   true,
		issueID:    9001,
		linkedDocs: []string{"doc-old"},
	}
	trk := &fakeTracker{}
	orch, _, _ := newTestOrchestrator(store, trk, blobs)

	require.NoError(t, orch.SyncAttachments(context.Background(), 77))

	assert.Equal(t, []string{"new"}, trk.uploaded, "already linked documents must not be re-uploaded")
	require.Len(t, trk.uploadsAdded, 1)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, int64(101), store.inserted[0].ExternalID)
	require.NotNil(t, store.inserted[0].DocumentID)
	assert.Equal(t, "doc-new", *store.inserted[0].DocumentID)
}

func TestSyncAttachmentsWithoutIssueIsNoOp(t *testing.T) {
	store := &fakeStore{hasIssue: false}
	trk := &fakeTracker{}
	orch, _, _ := newTestOrchestrator(store, trk, newMemBlobs())

	require.NoError(t, orch.SyncAttachments(context.Background(), 77))
	assert.Empty(t, trk.uploaded)
}

func TestAggregateCommentsFormat(t *testing.T) {
	out := AggregateComments([]domain.Comment{{
		OwnerName: "Olaf Owner",
		Content:   "line one",
		CreatedAt: time.Date(2026, 8, 20, 9, 30, 15, 0, time.UTC),
	}})
	assert.Equal(t, "Olaf Owner, on 2026-08-20 09:30:15\n\nline one\n\n", out)
}
