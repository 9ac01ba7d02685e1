package crawler

import (
	"context"
	"net/http"
	"time"
)

// Page is the raw fetch outcome handed to the extraction pipeline.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	UsedJS     bool
}

// ContentType returns the response Content-Type header, if any.
func (p Page) ContentType() string {
	if p.Headers == nil {
		return ""
	}
	return p.Headers.Get("Content-Type")
}

// Fetcher retrieves a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Renderer produces a DOM snapshot with JavaScript executed. Optional.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
	Close(ctx context.Context) error
}

// Detector decides whether a fetched page warrants a JS render pass.
type Detector interface {
	NeedsJS(ctx context.Context, page Page) bool
}

// Extractor turns raw HTML into structured content. It is a pure function
// from the engine's perspective.
type Extractor interface {
	Extract(html []byte, pageURL string) (Document, error)
}

// RobotsPolicy answers robots.txt questions per URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(rawURL string) time.Duration
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// HTMLSink persists raw page HTML and returns a storage reference. Optional;
// duplicates are never persisted.
type HTMLSink interface {
	Save(ctx context.Context, sourceID, pageURL string, html []byte) (string, error)
}

// Indexer receives accepted pages for the downstream search index.
type Indexer interface {
	IndexPage(ctx context.Context, sessionID string, page PageResult) error
}

// Publisher pushes accepted-page events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
