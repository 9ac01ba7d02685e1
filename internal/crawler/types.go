// Package crawler implements the crawl orchestration engine: frontier
// traversal, politeness, the per-page fetch pipeline, and session lifecycle.
package crawler

import (
	"time"
)

// SessionState is the lifecycle state of one crawl session.
type SessionState string

// Session lifecycle values. Running transitions to exactly one of the three
// terminal states.
const (
	SessionStateIdle      SessionState = "idle"
	SessionStateRunning   SessionState = "running"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
	SessionStateCancelled SessionState = "cancelled"
)

// FrontierEntry is one not-yet-fetched URL with its discovery depth.
type FrontierEntry struct {
	URL   string
	Depth int
}

// FailureKind classifies why a page produced no indexable content.
type FailureKind string

// Failure taxonomy. RobotsBlocked and DomainBlocked are skips, not errors;
// the rest are failed-page outcomes.
const (
	FailureNone          FailureKind = ""
	FailureRobotsBlocked FailureKind = "robots_blocked"
	FailureTimeout       FailureKind = "timeout"
	FailureHTTPError     FailureKind = "http_error"
	FailureContentType   FailureKind = "unsupported_content_type"
	FailureDomainBlocked FailureKind = "domain_blocked"
	FailurePipelinePanic FailureKind = "pipeline_panic"
	FailureRequest       FailureKind = "request_error"
)

// ImageRef is an image referenced by a crawled page.
type ImageRef struct {
	Src   string `json:"src"`
	Alt   string `json:"alt,omitempty"`
	Title string `json:"title,omitempty"`
}

// VideoRef is a video referenced by or embedded in a crawled page.
type VideoRef struct {
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	EmbedType    string `json:"embed_type"`
	VideoID      string `json:"video_id,omitempty"`
	Title        string `json:"title,omitempty"`
}

// Document is the structured content the extractor pulls out of one page.
type Document struct {
	Title       string
	Description string
	Content     string
	Headings    []string
	Links       []string
	Images      []ImageRef
	Videos      []VideoRef
	WordCount   int
	PublishedAt *time.Time
}

// PageResult is the single outcome produced for every dequeued URL. It is
// immutable once the pipeline returns it.
type PageResult struct {
	URL           string      `json:"url"`
	StatusCode    int         `json:"http_status,omitempty"`
	Title         string      `json:"title,omitempty"`
	Description   string      `json:"description,omitempty"`
	Content       string      `json:"content,omitempty"`
	Headings      []string    `json:"headings,omitempty"`
	Links         []string    `json:"links,omitempty"`
	Images        []ImageRef  `json:"images,omitempty"`
	Videos        []VideoRef  `json:"videos,omitempty"`
	Fingerprint   uint64      `json:"content_fingerprint,omitempty"`
	WordCount     int         `json:"word_count"`
	PublishedAt   *time.Time  `json:"published_date,omitempty"`
	RawStorageRef string      `json:"raw_storage_ref,omitempty"`
	Failure       FailureKind `json:"failure,omitempty"`
	Error         string      `json:"error,omitempty"`
	IsDuplicate   bool        `json:"is_duplicate"`
	Depth         int         `json:"depth"`
	FetchedAt     time.Time   `json:"fetched_at"`
}

// Accepted reports whether the page carries indexable content: no failure
// and not a near-duplicate.
func (r PageResult) Accepted() bool {
	return r.Failure == FailureNone && !r.IsDuplicate
}

// CrawlStats holds the running counters for one session. All counters are
// monotonic; EndedAt is set exactly once at completion.
type CrawlStats struct {
	PagesFetched   int        `json:"pages_fetched"`
	PagesAccepted  int        `json:"pages_accepted"`
	PagesDuplicate int        `json:"pages_duplicate"`
	PagesFailed    int        `json:"pages_failed"`
	PagesSkipped   int        `json:"pages_skipped"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// CrawlConfig captures the per-source settings for one crawl session.
type CrawlConfig struct {
	SourceID           string        `json:"source_id"`
	SourceURL          string        `json:"source_url"`
	CrawlDepth         int           `json:"crawl_depth"`
	MaxPages           int           `json:"max_pages"`
	IncludePatterns    []string      `json:"include_patterns,omitempty"`
	ExcludePatterns    []string      `json:"exclude_patterns,omitempty"`
	RespectRobots      bool          `json:"respect_robots"`
	ConcurrentRequests int           `json:"concurrent_requests"`
	RequestDelay       time.Duration `json:"request_delay"`
	Timeout            time.Duration `json:"timeout"`
	MaxRetries         int           `json:"max_retries"`
	UserAgent          string        `json:"user_agent"`
}

// Defaults applied by Normalize.
const (
	DefaultCrawlDepth         = 2
	DefaultMaxPages           = 500
	DefaultConcurrentRequests = 4
	DefaultRequestDelay       = 500 * time.Millisecond
	DefaultTimeout            = 15 * time.Second
	DefaultMaxRetries         = 2
	DefaultUserAgent          = "searchstack-crawler/1.0"
)

// Normalize fills unset fields with defaults and returns the result.
func (c CrawlConfig) Normalize() CrawlConfig {
	if c.CrawlDepth <= 0 {
		c.CrawlDepth = DefaultCrawlDepth
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.ConcurrentRequests <= 0 {
		c.ConcurrentRequests = DefaultConcurrentRequests
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = DefaultRequestDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}
