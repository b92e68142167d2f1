package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/escalation-service/internal/config"
)

const (
	headerAPIKey = "X-Redmine-API-Key"

	issuesPath  = "/issues.json"
	uploadsPath = "/uploads.json"

	// Comparison operators must be hex-encoded in query strings; ">=" is
	// "%3E%3D".
	updatedSinceOperator = "%3E%3D"

	timestampLayout = "2006-01-02T15:04:05Z"
)

// RedmineClient talks to a Redmine-shaped bug tracker over its REST API.
type RedmineClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewRedmineClient builds a client with a bounded per-request timeout.
func NewRedmineClient(cfg config.TrackerConfig, logger *zap.Logger) *RedmineClient {
	return &RedmineClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout()},
		logger:  logger,
	}
}

// UploadBlob uploads raw bytes and returns the upload token assigned by the
// tracker.
func (c *RedmineClient) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadsPath, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerAPIKey, c.apiKey)

	body, err := c.do(req, http.StatusCreated)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}

	var response struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if response.Upload.Token == "" {
		return "", fmt.Errorf("upload response missing token")
	}
	return response.Upload.Token, nil
}

// CreateIssue creates an issue with the given fields and previously uploaded
// attachments. Callers must only invoke this once every upload succeeded.
func (c *RedmineClient) CreateIssue(ctx context.Context, fields IssueFields, uploads []Upload) (*IssueContent, error) {
	issue := map[string]any{
		"project_id":  fields.ProjectID,
		"subject":     fields.Subject,
		"description": fields.Description,
	}
	if len(uploads) > 0 {
		issue["uploads"] = uploads
	}
	payload, err := json.Marshal(map[string]any{"issue": issue})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+issuesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)

	body, err := c.do(req, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return ParseIssueContent(body)
}

// AppendNote adds a note to an existing issue.
func (c *RedmineClient) AppendNote(ctx context.Context, issueID int64, note string) error {
	return c.updateIssue(ctx, issueID, map[string]any{"notes": note})
}

// AppendUploads attaches previously uploaded files to an existing issue.
func (c *RedmineClient) AppendUploads(ctx context.Context, issueID int64, uploads []Upload) error {
	return c.updateIssue(ctx, issueID, map[string]any{"uploads": uploads})
}

func (c *RedmineClient) updateIssue(ctx context.Context, issueID int64, issue map[string]any) error {
	payload, err := json.Marshal(map[string]any{"issue": issue})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/issues/%d.json", c.baseURL, issueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)

	if _, err := c.do(req, http.StatusOK); err != nil {
		return fmt.Errorf("update issue %d: %w", issueID, err)
	}
	return nil
}

// GetIssue fetches one issue with its journal and attachment list.
func (c *RedmineClient) GetIssue(ctx context.Context, issueID int64) (*IssueContent, error) {
	url := fmt.Sprintf("%s/issues/%d.json?include=journals,attachments", c.baseURL, issueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)

	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", issueID, err)
	}
	return ParseIssueContent(body)
}

// ListIssuesSince lists open and closed issues modified at or after the given
// timestamp, nil meaning all issues. Pagination is offset/limit.
func (c *RedmineClient) ListIssuesSince(ctx context.Context, since *time.Time, offset, limit int) (*IssuePage, error) {
	var query strings.Builder
	query.WriteString("?status_id=*")
	if since != nil {
		query.WriteString("&updated_on=")
		query.WriteString(updatedSinceOperator)
		query.WriteString(since.UTC().Format(timestampLayout))
	}
	if offset > 0 {
		fmt.Fprintf(&query, "&offset=%d", offset)
	}
	if limit > 0 {
		fmt.Fprintf(&query, "&limit=%d", limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+issuesPath+query.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)

	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	var page IssuePage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode issue listing: %w", err)
	}
	return &page, nil
}

// DownloadAttachment fetches attachment bytes from the URL the tracker
// advertised in its descriptor.
func (c *RedmineClient) DownloadAttachment(ctx context.Context, contentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAPIKey, c.apiKey)

	body, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	return body, nil
}

func (c *RedmineClient) do(req *http.Request, wantStatus int) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != wantStatus {
		c.logger.Error("bug tracker request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(body, 512)))
		return nil, fmt.Errorf("unexpected status %d (want %d)", resp.StatusCode, wantStatus)
	}
	return body, nil
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
