package transfer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/spec-kit/escalation-service/internal/blobstore"
	"github.com/spec-kit/escalation-service/internal/domain"
	"github.com/spec-kit/escalation-service/internal/tracker"
)

// AttachmentTransfer moves attachment bytes between local blob storage and
// the bug tracker.
type AttachmentTransfer struct {
	blobs   blobstore.Store
	tracker tracker.Client
}

// New builds an AttachmentTransfer.
func New(blobs blobstore.Store, client tracker.Client) *AttachmentTransfer {
	return &AttachmentTransfer{blobs: blobs, tracker: client}
}

// Upload reads a local attachment's document and uploads its bytes to the
// tracker. It returns the pending upload and the tracker-side attachment id
// embedded in the token, which later keys the RemoteAttachmentLink.
func (t *AttachmentTransfer) Upload(ctx context.Context, att domain.LocalAttachment) (tracker.Upload, int64, error) {
	blob, err := t.blobs.Fetch(ctx, att.DocumentID)
	if err != nil {
		return tracker.Upload{}, 0, fmt.Errorf("read document %s: %w", att.DocumentID, err)
	}

	token, err := t.tracker.UploadBlob(ctx, blob.Data, blob.ContentType)
	if err != nil {
		return tracker.Upload{}, 0, err
	}
	externalID, err := tracker.AttachmentIDFromToken(token)
	if err != nil {
		return tracker.Upload{}, 0, err
	}

	upload := tracker.Upload{
		Token:       token,
		Filename:    att.Name,
		ContentType: blob.ContentType,
	}
	return upload, externalID, nil
}

// Download fetches a tracker attachment's bytes and stores them as a local
// blob under a fresh key, which it returns.
func (t *AttachmentTransfer) Download(ctx context.Context, desc tracker.AttachmentDescriptor) (string, error) {
	data, err := t.tracker.DownloadAttachment(ctx, desc.ContentURL)
	if err != nil {
		return "", err
	}

	key := uuid.NewString()
	blob := &blobstore.Blob{
		Data:        data,
		ContentType: desc.ContentType,
		Name:        desc.Filename,
	}
	if err := t.blobs.Save(ctx, key, blob); err != nil {
		return "", fmt.Errorf("store downloaded attachment %d: %w", desc.ID, err)
	}
	return key, nil
}
