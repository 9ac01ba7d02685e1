package crawler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyFetcherConfig controls collector behavior.
type CollyFetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBody   int
}

// DefaultMaxBodyBytes caps how much of a response body a fetch will read.
const DefaultMaxBodyBytes = 10 << 20

// CollyFetcher implements Fetcher using the Colly collector. Robots rules are
// enforced upstream by the engine, so the collector itself ignores them.
type CollyFetcher struct {
	cfg           CollyFetcherConfig
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// NewCollyFetcher builds a CollyFetcher with a pooled transport shared by all
// per-fetch collector clones.
func NewCollyFetcher(cfg CollyFetcherConfig) *CollyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &CollyFetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.MaxBodySize = f.cfg.MaxBody
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			UsedJS:     false,
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			// Non-2xx responses arrive here; keep the status so the pipeline
			// can classify them instead of treating them as transport errors.
			page = Page{
				URL:        rawURL,
				FinalURL:   rawURL,
				StatusCode: r.StatusCode,
				Headers:    headersOrEmpty(r),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			fetchErr = nil
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if page.StatusCode == 0 && err != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		return page, nil
	}
}

func headersOrEmpty(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
