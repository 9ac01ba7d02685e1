package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchstack/crawler/internal/dedup"
)

type stubPage struct {
	status      int
	contentType string
	body        string
	err         error
}

// stubFetcher serves canned pages keyed by normalized URL and records every
// fetch it sees.
type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]stubPage
	fetched []string
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string) (Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, rawURL)
	p, ok := f.pages[rawURL]
	f.mu.Unlock()

	if !ok {
		return Page{}, fmt.Errorf("no stub page for %s", rawURL)
	}
	if p.err != nil {
		return Page{}, p.err
	}
	status := p.status
	if status == 0 {
		status = 200
	}
	contentType := p.contentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	return Page{URL: rawURL, StatusCode: status, Headers: headers, Body: []byte(p.body)}, nil
}

func (f *stubFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// stubExtractor treats the body as the page text and returns canned links.
type stubExtractor struct {
	links map[string][]string
}

func (e *stubExtractor) Extract(html []byte, pageURL string) (Document, error) {
	content := string(html)
	return Document{
		Content:   content,
		WordCount: len(strings.Fields(content)),
		Links:     e.links[pageURL],
	}, nil
}

// resultCollector gathers PageResults across worker goroutines.
type resultCollector struct {
	mu      sync.Mutex
	results []PageResult
}

func (c *resultCollector) add(page PageResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, page)
}

func (c *resultCollector) byURL(url string) (PageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.results {
		if r.URL == url {
			return r, true
		}
	}
	return PageResult{}, false
}

func testCrawlConfig(sourceURL string) CrawlConfig {
	return CrawlConfig{
		SourceURL:          sourceURL,
		CrawlDepth:         2,
		MaxPages:           50,
		ConcurrentRequests: 2,
		RequestDelay:       time.Millisecond,
		Timeout:            5 * time.Second,
		MaxRetries:         0,
	}
}

func newTestEngine(t *testing.T, cfg CrawlConfig, fetcher Fetcher, extractor Extractor, collector *resultCollector) *Engine {
	t.Helper()
	deps := Dependencies{
		Fetcher:      fetcher,
		Extractor:    extractor,
		Fingerprints: dedup.NewFingerprintStore(3),
	}
	if collector != nil {
		deps.OnResult = collector.add
	}
	engine, err := NewEngine("test-session", cfg, deps)
	require.NoError(t, err)
	return engine
}

const (
	seedText  = "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu"
	pageAText = "quarterly earnings report shows revenue climbing across all regions this year"
	pageBText = "the hiking trail winds through cedar forest toward a quiet mountain lake"
	pageDText = "fresh pasta needs only flour eggs and patience according to the chef"
)

func TestEngineCrawlsBreadthFirstWithDedup(t *testing.T) {
	t.Parallel()

	// /c repeats the seed's text so it lands as a near-duplicate; a duplicate
	// page is never expanded, so /e stays unfetched.
	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.com/":  {body: seedText},
		"https://example.com/a": {body: pageAText},
		"https://example.com/b": {body: pageBText},
		"https://example.com/c": {body: seedText},
		"https://example.com/d": {body: pageDText},
	}}
	extractor := &stubExtractor{links: map[string][]string{
		"https://example.com/":  {"/a", "/b", "/c"},
		"https://example.com/a": {"/d"},
		"https://example.com/c": {"/e"},
	}}
	collector := &resultCollector{}

	engine := newTestEngine(t, testCrawlConfig("https://example.com/"), fetcher, extractor, collector)
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SessionStateCompleted, engine.State())
	assert.Equal(t, 5, stats.PagesFetched)
	assert.Equal(t, 4, stats.PagesAccepted)
	assert.Equal(t, 1, stats.PagesDuplicate)
	assert.Equal(t, 0, stats.PagesFailed)
	assert.Equal(t, 0, stats.PagesSkipped)
	require.NotNil(t, stats.EndedAt)

	assert.NotContains(t, fetcher.fetchedURLs(), "https://example.com/e")

	dup, ok := collector.byURL("https://example.com/c")
	require.True(t, ok)
	assert.True(t, dup.IsDuplicate)
	assert.False(t, dup.Accepted())

	seed, ok := collector.byURL("https://example.com/")
	require.True(t, ok)
	assert.False(t, seed.IsDuplicate)
	assert.NotZero(t, seed.Fingerprint)
	assert.Equal(t, 0, seed.Depth)
}

func TestEngineHonorsMaxPages(t *testing.T) {
	t.Parallel()

	pages := map[string]stubPage{"https://example.com/": {body: seedText}}
	links := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://example.com/p%d", i)
		pages[url] = stubPage{body: fmt.Sprintf("distinct page number %d with its own words entirely", i)}
		links = append(links, fmt.Sprintf("/p%d", i))
	}
	fetcher := &stubFetcher{pages: pages}
	extractor := &stubExtractor{links: map[string][]string{"https://example.com/": links}}

	cfg := testCrawlConfig("https://example.com/")
	cfg.MaxPages = 3

	engine := newTestEngine(t, cfg, fetcher, extractor, nil)
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.PagesFetched)
	assert.Len(t, fetcher.fetchedURLs(), 3)
}

func TestEngineHonorsCrawlDepth(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.com/":  {body: seedText},
		"https://example.com/a": {body: pageAText},
		"https://example.com/b": {body: pageBText},
	}}
	extractor := &stubExtractor{links: map[string][]string{
		"https://example.com/":  {"/a"},
		"https://example.com/a": {"/b"},
	}}

	cfg := testCrawlConfig("https://example.com/")
	cfg.CrawlDepth = 1

	engine := newTestEngine(t, cfg, fetcher, extractor, nil)
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PagesFetched)
	assert.NotContains(t, fetcher.fetchedURLs(), "https://example.com/b")
}

func TestEngineCountsFailures(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.com/":        {body: seedText},
		"https://example.com/missing": {status: 404, body: "not found"},
		"https://example.com/pdf":     {contentType: "application/pdf", body: "%PDF-1.4"},
		"https://example.com/broken":  {err: errors.New("connection refused")},
	}}
	extractor := &stubExtractor{links: map[string][]string{
		"https://example.com/": {"/missing", "/pdf", "/broken"},
	}}
	collector := &resultCollector{}

	engine := newTestEngine(t, testCrawlConfig("https://example.com/"), fetcher, extractor, collector)
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.PagesFetched)
	assert.Equal(t, 1, stats.PagesAccepted)
	assert.Equal(t, 3, stats.PagesFailed)

	missing, ok := collector.byURL("https://example.com/missing")
	require.True(t, ok)
	assert.Equal(t, FailureHTTPError, missing.Failure)
	assert.Equal(t, 404, missing.StatusCode)

	pdf, ok := collector.byURL("https://example.com/pdf")
	require.True(t, ok)
	assert.Equal(t, FailureContentType, pdf.Failure)

	broken, ok := collector.byURL("https://example.com/broken")
	require.True(t, ok)
	assert.Equal(t, FailureRequest, broken.Failure)
}

// denyPrefixRobots blocks every path under the given prefix.
type denyPrefixRobots struct {
	prefix string
}

func (d *denyPrefixRobots) Allowed(_ context.Context, rawURL string) bool {
	return !strings.Contains(rawURL, d.prefix)
}

func (d *denyPrefixRobots) CrawlDelay(string) time.Duration { return 0 }

func TestEngineSkipsRobotsBlockedPages(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.com/":     {body: seedText},
		"https://example.com/open": {body: pageAText},
	}}
	extractor := &stubExtractor{links: map[string][]string{
		"https://example.com/": {"/open", "/private/a"},
	}}
	collector := &resultCollector{}

	cfg := testCrawlConfig("https://example.com/")
	deps := Dependencies{
		Fetcher:      fetcher,
		Extractor:    extractor,
		Robots:       &denyPrefixRobots{prefix: "/private/"},
		Fingerprints: dedup.NewFingerprintStore(3),
		OnResult:     collector.add,
	}
	engine, err := NewEngine("robots-session", cfg, deps)
	require.NoError(t, err)

	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	// Robots skips do not consume the fetch budget.
	assert.Equal(t, 2, stats.PagesFetched)
	assert.Equal(t, 1, stats.PagesSkipped)
	assert.Equal(t, 0, stats.PagesFailed)

	blocked, ok := collector.byURL("https://example.com/private/a")
	require.True(t, ok)
	assert.Equal(t, FailureRobotsBlocked, blocked.Failure)
	assert.NotContains(t, fetcher.fetchedURLs(), "https://example.com/private/a")
}

// blockingFetcher serves the seed immediately and parks every other fetch
// until its context is cancelled.
type blockingFetcher struct {
	seedURL string
	body    string
	started chan string
}

func (f *blockingFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if rawURL == f.seedURL {
		headers := http.Header{}
		headers.Set("Content-Type", "text/html")
		return Page{URL: rawURL, StatusCode: 200, Headers: headers, Body: []byte(f.body)}, nil
	}
	select {
	case f.started <- rawURL:
	default:
	}
	<-ctx.Done()
	return Page{}, ctx.Err()
}

func TestEngineCancelDrainsInFlight(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{
		seedURL: "https://example.com/",
		body:    seedText,
		started: make(chan string, 4),
	}
	extractor := &stubExtractor{links: map[string][]string{
		"https://example.com/": {"/slow1", "/slow2", "/slow3"},
	}}

	cfg := testCrawlConfig("https://example.com/")
	engine := newTestEngine(t, cfg, fetcher, extractor, nil)

	done := make(chan struct{})
	var stats CrawlStats
	var runErr error
	go func() {
		defer close(done)
		stats, runErr = engine.Run(context.Background())
	}()

	// Wait until at least one child fetch is parked, then cancel.
	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no in-flight fetch observed")
	}
	engine.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain after cancel")
	}

	require.NoError(t, runErr)
	assert.Equal(t, SessionStateCancelled, engine.State())
	// Only the seed completed; torn-down fetches are dropped, not counted.
	assert.Equal(t, 1, stats.PagesFetched)
	assert.Equal(t, 1, stats.PagesAccepted)
}

func TestEngineRunOnlyOnce(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{pages: map[string]stubPage{
		"https://example.com/": {body: seedText},
	}}
	engine := newTestEngine(t, testCrawlConfig("https://example.com/"), fetcher, &stubExtractor{}, nil)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	_, err = engine.Run(context.Background())
	assert.Error(t, err)
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEngine("x", testCrawlConfig("https://example.com/"), Dependencies{})
	assert.Error(t, err, "fetcher and extractor are required")

	deps := Dependencies{Fetcher: &stubFetcher{}, Extractor: &stubExtractor{}}

	_, err = NewEngine("x", testCrawlConfig("not a url"), deps)
	assert.Error(t, err, "seed must be absolute")

	cfg := testCrawlConfig("https://example.com/")
	cfg.IncludePatterns = []string{"[bad"}
	_, err = NewEngine("x", cfg, deps)
	assert.Error(t, err, "patterns must compile")
}
