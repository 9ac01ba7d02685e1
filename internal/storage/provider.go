// Package storage defines the blob-store abstraction used to persist raw
// crawled HTML. It keeps the crawler independent of a specific backend
// (Google Cloud Storage, the local filesystem, or memory for tests).
package storage

import (
	"context"
	"io"
)

// BlobStore writes one object and returns a URI for it.
type BlobStore interface {
	// PutObject uploads data under the given object path and returns the
	// backend-specific URI of the stored object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
