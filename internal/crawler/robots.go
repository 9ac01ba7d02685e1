package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const robotsMaxBytes = 1 << 20

// RobotsGate enforces robots.txt directives per origin. The rule cache is
// shared across sessions and never expires within a run; concurrent first
// queries for the same origin share a single fetch.
type RobotsGate struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	cache sync.Map // origin -> *robotstxt.RobotsData (nil data = no rules)
	group singleflight.Group
}

// NewRobotsGate builds a RobotsPolicy honoring robots.txt, or an allow-all
// policy when respect is false.
func NewRobotsGate(respect bool, userAgent string, timeout time.Duration, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return &allowAllRobots{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGate{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed implements RobotsPolicy. Any failure to obtain rules is fail-open.
func (g *RobotsGate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data := g.load(ctx, parsed)
	if data == nil {
		return true
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return true
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// CrawlDelay returns the Crawl-delay directive for the URL's origin, or 0.
func (g *RobotsGate) CrawlDelay(rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	key := originKey(parsed)
	cached, ok := g.cache.Load(key)
	if !ok {
		return 0
	}
	data, _ := cached.(*robotstxt.RobotsData)
	if data == nil {
		return 0
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// load returns the parsed rule set for the URL's origin, fetching it on the
// first query. A nil return means "no rules" (fail-open sentinel).
func (g *RobotsGate) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	key := originKey(parsed)
	if cached, ok := g.cache.Load(key); ok {
		data, _ := cached.(*robotstxt.RobotsData)
		return data
	}

	// singleflight collapses concurrent first-queries per origin so only one
	// robots.txt fetch is ever in flight for a host.
	result, _, _ := g.group.Do(key, func() (any, error) {
		if cached, ok := g.cache.Load(key); ok {
			return cached, nil
		}
		data := g.fetch(ctx, parsed)
		g.cache.Store(key, data)
		return data, nil
	})
	data, _ := result.(*robotstxt.RobotsData)
	return data
}

func (g *RobotsGate) fetch(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsed.Scheme, parsed.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		g.logger.Warn("robots request build failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()

	// Only a 200 carries rules. 404, 403, and every other status fail open;
	// robots enforcement is never allowed to break a crawl.
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		g.logger.Warn("robots read failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		g.logger.Warn("robots parse failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	return data
}

func originKey(u *url.URL) string {
	origin, err := Origin(u.String())
	if err != nil {
		return u.Host
	}
	return origin
}

type allowAllRobots struct{}

func (allowAllRobots) Allowed(context.Context, string) bool { return true }

func (allowAllRobots) CrawlDelay(string) time.Duration { return 0 }
