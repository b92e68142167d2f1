package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/escalation-service/internal/blobstore"
	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/tracker"
)

type memBlobs struct {
	blobs map[string]*blobstore.Blob
}

func (m *memBlobs) Fetch(_ context.Context, key string) (*blobstore.Blob, error) {
	blob, ok := m.blobs[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return blob, nil
}

func (m *memBlobs) Save(_ context.Context, key string, blob *blobstore.Blob) error {
	m.blobs[key] = blob
	return nil
}

type stubTracker struct {
	tracker.Client
	token        string
	uploadedData []byte
	downloadData []byte
}

func (s *stubTracker) UploadBlob(_ context.Context, data []byte, _ string) (string, error) {
	s.uploadedData = data
	return s.token, nil
}

func (s *stubTracker) DownloadAttachment(context.Context, string) ([]byte, error) {
	return s.downloadData, nil
}

func (s *stubTracker) ListIssuesSince(context.Context, *time.Time, int, int) (*tracker.IssuePage, error) {
	return nil, errors.New("not implemented")
}

func TestUploadReturnsTokenAndExternalID(t *testing.T) {
	blobs := &memBlobs{blobs: map[string]*blobstore.Blob{
		"doc-1": {Data: []byte("bytes"), ContentType: "image/png"},
	}}
	trk := &stubTracker{token: "7167.ed1c"}
	xfer := New(blobs, trk)

	upload, externalID, err := xfer.Upload(context.Background(), domain.LocalAttachment{
		DocumentID: "doc-1", Name: "photo.png",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7167), externalID)
	assert.Equal(t, "7167.ed1c", upload.Token)
	assert.Equal(t, "photo.png", upload.Filename)
	assert.Equal(t, "image/png", upload.ContentType)
	assert.Equal(t, []byte("bytes"), trk.uploadedData)
}

func TestUploadMissingDocumentFails(t *testing.T) {
	xfer := New(&memBlobs{blobs: map[string]*blobstore.Blob{}}, &stubTracker{token: "1.x"})

	_, _, err := xfer.Upload(context.Background(), domain.LocalAttachment{DocumentID: "gone"})
	assert.Error(t, err)
}

func TestDownloadStoresBlobUnderFreshKey(t *testing.T) {
	blobs := &memBlobs{blobs: map[string]*blobstore.Blob{}}
	trk := &stubTracker{downloadData: []byte("remote")}
	xfer := New(blobs, trk)

	key, err := xfer.Download(context.Background(), tracker.AttachmentDescriptor{
		ID: 42, Filename: "log.txt", ContentType: "text/plain", ContentURL: "http://x/42",
	})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	stored := blobs.blobs[key]
	require.NotNil(t, stored)
	assert.Equal(t, []byte("remote"), stored.Data)
	assert.Equal(t, "log.txt", stored.Name)
	assert.Equal(t, "text/plain", stored.ContentType)
}
