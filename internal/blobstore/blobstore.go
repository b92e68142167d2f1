package blobstore

import "context"

// Blob is a stored document: raw bytes plus the metadata needed to forward
// it to the bug tracker.
type Blob struct {
	Data        []byte
	ContentType string
	Name        string
}

// Store persists document blobs addressed by opaque keys.
type Store interface {
	Fetch(ctx context.Context, key string) (*Blob, error)
	Save(ctx context.Context, key string, blob *Blob) error
}
