package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"path"
	"time"
)

// HTMLSink persists raw page HTML through a BlobStore. Object names are
// content-addressed by URL hash and partitioned by fetch date so re-crawls of
// the same URL on the same day overwrite rather than accumulate.
type HTMLSink struct {
	store BlobStore
	now   func() time.Time
}

// NewHTMLSink builds a sink over store.
func NewHTMLSink(store BlobStore) *HTMLSink {
	return &HTMLSink{
		store: store,
		now:   time.Now,
	}
}

// Save writes the HTML for pageURL and returns the object URI.
func (s *HTMLSink) Save(ctx context.Context, sourceID, pageURL string, html []byte) (string, error) {
	if s.store == nil {
		return "", nil
	}
	name := objectName(sourceID, pageURL, s.now().UTC())
	uri, err := s.store.PutObject(ctx, name, "text/html; charset=utf-8", bytes.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("save html for %s: %w", pageURL, err)
	}
	return uri, nil
}

func objectName(sourceID, pageURL string, fetchedAt time.Time) string {
	urlHash := fmt.Sprintf("%x", sha256.Sum256([]byte(pageURL)))
	if sourceID == "" {
		sourceID = "default"
	}
	return path.Join(
		"pages",
		sourceID,
		fetchedAt.Format("2006-01-02"),
		fmt.Sprintf("%s.html", urlHash),
	)
}
