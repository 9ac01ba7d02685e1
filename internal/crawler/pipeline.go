package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchstack/crawler/internal/dedup"
	"github.com/searchstack/crawler/internal/metrics"
)

// pipeline runs the per-page work for one crawl session: robots check, rate
// limiting, fetch with retries, optional JS promotion, extraction, duplicate
// detection, and raw HTML persistence.
type pipeline struct {
	cfg          CrawlConfig
	fetcher      Fetcher
	renderer     Renderer
	detector     Detector
	extractor    Extractor
	robots       RobotsPolicy
	limiter      *RateLimiter
	retry        RetryPolicy
	sink         HTMLSink
	clock        Clock
	logger       *zap.Logger
	fingerprints *dedup.FingerprintStore
	images       *dedup.ImageFingerprinter
	blocker      *domainBlocker
}

// taskResult pairs a PageResult with the frontier-ready links it discovered.
// err keeps the raw pipeline error so the scheduler can recognize
// cancellation teardowns.
type taskResult struct {
	page  PageResult
	links []string
	err   error
}

// process produces exactly one PageResult for the entry. Panics inside the
// pipeline are recovered here so one bad page never aborts the session.
func (p *pipeline) process(ctx context.Context, entry FrontierEntry, filter *linkFilter) (result taskResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("page pipeline panicked",
				zap.String("url", entry.URL), zap.Any("panic", r))
			result = taskResult{page: p.failure(entry, FailurePipelinePanic, fmt.Errorf("pipeline panic: %v", r))}
		}
	}()

	if p.blocker.Blocked(entry.URL) {
		return taskResult{page: p.failure(entry, FailureDomainBlocked, errors.New("host blocklisted after repeated refusals"))}
	}

	if !p.robots.Allowed(ctx, entry.URL) {
		metrics.ObserveRobotsDenied(entry.URL)
		return taskResult{page: p.failure(entry, FailureRobotsBlocked, errors.New("disallowed by robots.txt"))}
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return taskResult{page: p.failure(entry, FailureRequest, err), err: err}
	}
	if err := p.honorCrawlDelay(ctx, entry.URL); err != nil {
		return taskResult{page: p.failure(entry, FailureRequest, err), err: err}
	}

	page, err := p.fetchWithRetry(ctx, entry.URL)
	if err != nil {
		kind := FailureRequest
		if IsTimeout(err) {
			kind = FailureTimeout
		}
		return taskResult{page: p.failure(entry, kind, err), err: err}
	}

	if newlyBlocked := p.blocker.Observe(entry.URL, page.StatusCode); newlyBlocked {
		p.logger.Warn("host blocklisted for this session",
			zap.String("url", entry.URL), zap.Int("status", page.StatusCode))
	}

	if page.StatusCode != 200 {
		result := taskResult{page: p.failure(entry, FailureHTTPError, fmt.Errorf("http status %d", page.StatusCode))}
		result.page.StatusCode = page.StatusCode
		return result
	}
	if !isHTMLContentType(page.ContentType()) {
		result := taskResult{page: p.failure(entry, FailureContentType, fmt.Errorf("unsupported content type %q", page.ContentType()))}
		result.page.StatusCode = page.StatusCode
		return result
	}

	page = p.maybeRender(ctx, entry.URL, page)

	return p.buildResult(ctx, entry, page, filter)
}

// fetchWithRetry attempts the fetch up to max_retries extra times, retrying
// timeouts only.
func (p *pipeline) fetchWithRetry(ctx context.Context, rawURL string) (Page, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		page, err := p.fetcher.Fetch(fetchCtx, rawURL)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !p.retry.ShouldRetry(err, attempt) {
			return Page{}, lastErr
		}
		p.logger.Debug("retrying fetch after timeout",
			zap.String("url", rawURL), zap.Int("attempt", attempt+1))
		if err := sleepCtx(ctx, p.retry.Backoff(attempt)); err != nil {
			return Page{}, lastErr
		}
	}
}

// honorCrawlDelay waits out any robots crawl-delay exceeding the session's own
// pacing.
func (p *pipeline) honorCrawlDelay(ctx context.Context, rawURL string) error {
	delay := p.robots.CrawlDelay(rawURL)
	if extra := delay - p.cfg.RequestDelay; extra > 0 {
		return sleepCtx(ctx, extra)
	}
	return nil
}

// maybeRender promotes the page to a headless render when the detector flags
// it as a client-rendered shell. Render failures keep the static body.
func (p *pipeline) maybeRender(ctx context.Context, rawURL string, page Page) Page {
	if p.renderer == nil || p.detector == nil || !p.detector.NeedsJS(ctx, page) {
		return page
	}
	rendered, err := p.renderer.Render(ctx, rawURL)
	if err != nil {
		p.logger.Warn("js render failed; using static body",
			zap.String("url", rawURL), zap.Error(err))
		return page
	}
	if len(rendered.Body) == 0 {
		return page
	}
	return rendered
}

func (p *pipeline) buildResult(ctx context.Context, entry FrontierEntry, page Page, filter *linkFilter) taskResult {
	doc, err := p.extractor.Extract(page.Body, pageBaseURL(page))
	if err != nil {
		// An unextractable page is a low-value accept, not a failure.
		p.logger.Warn("extraction failed; keeping page with empty content",
			zap.String("url", entry.URL), zap.Error(err))
		doc = Document{}
	}

	result := PageResult{
		URL:         entry.URL,
		StatusCode:  page.StatusCode,
		Title:       doc.Title,
		Description: doc.Description,
		Content:     doc.Content,
		Headings:    doc.Headings,
		Links:       doc.Links,
		Images:      doc.Images,
		Videos:      doc.Videos,
		WordCount:   doc.WordCount,
		PublishedAt: doc.PublishedAt,
		Depth:       entry.Depth,
		FetchedAt:   p.clock.Now().UTC(),
	}

	if strings.TrimSpace(doc.Content) != "" {
		dup, fp := p.fingerprints.IsDuplicate(doc.Content, entry.URL)
		result.Fingerprint = fp
		if dup {
			result.IsDuplicate = true
			metrics.ObserveDuplicate("content")
		}
	}

	if !result.IsDuplicate {
		result.Images = p.dedupImages(ctx, result.Images)
		if p.sink != nil {
			ref, err := p.sink.Save(ctx, p.cfg.SourceID, entry.URL, page.Body)
			if err != nil {
				p.logger.Warn("raw html save failed",
					zap.String("url", entry.URL), zap.Error(err))
			} else {
				result.RawStorageRef = ref
			}
		}
	}

	return taskResult{
		page:  result,
		links: p.frontierLinks(page, doc.Links, filter),
	}
}

// dedupImages drops images whose perceptual hash matches one already seen in
// this session. Best effort only.
func (p *pipeline) dedupImages(ctx context.Context, images []ImageRef) []ImageRef {
	if !p.images.Available() || len(images) == 0 {
		return images
	}
	kept := images[:0]
	for _, img := range images {
		if p.images.IsDuplicate(ctx, img.Src) {
			metrics.ObserveDuplicate("image")
			continue
		}
		kept = append(kept, img)
	}
	return kept
}

// frontierLinks resolves discovered hrefs to absolute normalized URLs and
// keeps those the filter admits.
func (p *pipeline) frontierLinks(page Page, links []string, filter *linkFilter) []string {
	base := pageBaseURL(page)
	admitted := make([]string, 0, len(links))
	for _, href := range links {
		abs, ok := ResolveLink(base, href)
		if !ok {
			continue
		}
		if filter.Admit(abs) {
			admitted = append(admitted, abs)
		}
	}
	return admitted
}

func (p *pipeline) failure(entry FrontierEntry, kind FailureKind, err error) PageResult {
	result := PageResult{
		URL:       entry.URL,
		Failure:   kind,
		Depth:     entry.Depth,
		FetchedAt: p.clock.Now().UTC(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func pageBaseURL(page Page) string {
	if page.FinalURL != "" {
		return page.FinalURL
	}
	return page.URL
}

func isHTMLContentType(contentType string) bool {
	if contentType == "" {
		// Assume HTML when the server says nothing; the extractor copes.
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
