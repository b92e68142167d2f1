package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/escalation-service/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RedmineClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRedmineClient(config.TrackerConfig{
		BaseURL:               srv.URL,
		APIKey:                "test-key",
		ProjectID:             7,
		RequestTimeoutSeconds: 5,
	}, zap.NewNop())
}

func TestAttachmentIDFromToken(t *testing.T) {
	id, err := AttachmentIDFromToken("7167.ed1ccdb093229ca1bd0b043618d88743")
	require.NoError(t, err)
	assert.Equal(t, int64(7167), id)

	for _, token := range []string{"", "nodot", ".hash", "abc.hash"} {
		_, err := AttachmentIDFromToken(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestUploadBlob(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/uploads.json", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-key", r.Header.Get("X-Redmine-API-Key"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{0xde, 0xad}, body)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"upload":{"token":"42.abc"}}`))
	})

	token, err := client.UploadBlob(context.Background(), []byte{0xde, 0xad}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "42.abc", token)
}

func TestUploadBlobMissingToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"upload":{}}`))
	})

	_, err := client.UploadBlob(context.Background(), []byte("x"), "")
	assert.Error(t, err)
}

func TestCreateIssue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/issues.json", r.URL.Path)

		var payload struct {
			Issue struct {
				ProjectID   int      `json:"project_id"`
				Subject     string   `json:"subject"`
				Description string   `json:"description"`
				Uploads     []Upload `json:"uploads"`
			} `json:"issue"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 7, payload.Issue.ProjectID)
		assert.Equal(t, "printer broken", payload.Issue.Subject)
		require.Len(t, payload.Issue.Uploads, 1)
		assert.Equal(t, "42.abc", payload.Issue.Uploads[0].Token)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issue":{"id":9001,"status":{"id":1},"updated_on":"2026-08-28T10:00:00Z"}}`))
	})

	fields := IssueFields{ProjectID: 7, Subject: "printer broken", Description: "details"}
	uploads := []Upload{{Token: "42.abc", Filename: "a.png", ContentType: "image/png"}}
	issue, err := client.CreateIssue(context.Background(), fields, uploads)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), issue.ID())
	assert.Equal(t, int64(1), issue.StatusID())
}

func TestAppendNote(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/issues/9001.json", r.URL.Path)

		var payload struct {
			Issue struct {
				Notes string `json:"notes"`
			} `json:"issue"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "a note", payload.Issue.Notes)

		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.AppendNote(context.Background(), 9001, "a note"))
}

func TestGetIssueParsesJournalsAndAttachments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/issues/9001.json", r.URL.Path)
		assert.Equal(t, "journals,attachments", r.URL.Query().Get("include"))

		_, _ = w.Write([]byte(`{"issue":{
			"id":9001,
			"status":{"id":3},
			"updated_on":"2026-08-28T10:00:00Z",
			"attachments":[{"id":42,"filename":"a.png","filesize":12,"content_url":"http://x/a.png"}],
			"journals":[
				{"id":1,"details":[{"property":"attr","name":"status_id"}]},
				{"id":2,"details":[{"property":"attachment","name":"43"}]}
			]}}`))
	})

	issue, err := client.GetIssue(context.Background(), 9001)
	require.NoError(t, err)
	assert.Equal(t, int64(3), issue.StatusID())
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), issue.UpdatedOn())
	require.Len(t, issue.Attachments(), 1)
	assert.Equal(t, int64(42), issue.Attachments()[0].ID)

	last := issue.LastJournal()
	require.NotNil(t, last)
	assert.Equal(t, int64(2), last.ID)
	assert.Equal(t, "attachment", last.Details[0].Property)
}

func TestListIssuesSinceQuery(t *testing.T) {
	since := time.Date(2026, 8, 27, 6, 30, 0, 0, time.UTC)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "*", q.Get("status_id"))
		assert.Equal(t, ">=2026-08-27T06:30:00Z", q.Get("updated_on"))
		assert.Equal(t, "100", q.Get("offset"))
		assert.Equal(t, "50", q.Get("limit"))

		_, _ = w.Write([]byte(`{"issues":[{"id":1},{"id":2}],"total_count":102,"offset":100,"limit":50}`))
	})

	page, err := client.ListIssuesSince(context.Background(), &since, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 102, page.TotalCount)
	assert.Equal(t, 100, page.Offset)
	require.Len(t, page.Issues, 2)
	assert.Equal(t, int64(1), page.Issues[0].ID)
}

func TestListIssuesSinceNilWatermark(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("updated_on"))
		_, _ = w.Write([]byte(`{"issues":[],"total_count":0,"offset":0,"limit":25}`))
	})

	page, err := client.ListIssuesSince(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Issues)
}

func TestUnexpectedStatusIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":["Subject cannot be blank"]}`))
	})

	_, err := client.CreateIssue(context.Background(), IssueFields{}, nil)
	assert.Error(t, err)
}

func TestDownloadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Redmine-API-Key"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := NewRedmineClient(config.TrackerConfig{BaseURL: "http://unused", APIKey: "test-key"}, zap.NewNop())
	data, err := client.DownloadAttachment(context.Background(), srv.URL+"/attachments/download/42/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}
