package crawler

import (
	"net/url"
	"strings"
	"sync"
)

// forbiddenBlockThreshold is how many consecutive 403/429 responses a host
// may return before the session stops fetching from it.
const forbiddenBlockThreshold = 3

// domainBlocker stops a session from hammering a host that is actively
// refusing it. Any successful fetch resets the host's strike count.
type domainBlocker struct {
	mu      sync.Mutex
	strikes map[string]int
	blocked map[string]struct{}
}

func newDomainBlocker() *domainBlocker {
	return &domainBlocker{
		strikes: make(map[string]int),
		blocked: make(map[string]struct{}),
	}
}

// Blocked reports whether the URL's host has been blocklisted.
func (b *domainBlocker) Blocked(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[host]
	return ok
}

// Observe records a fetch outcome for the URL's host and reports whether the
// host just crossed the block threshold.
func (b *domainBlocker) Observe(rawURL string, statusCode int) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if statusCode != 403 && statusCode != 429 {
		delete(b.strikes, host)
		return false
	}
	b.strikes[host]++
	if b.strikes[host] < forbiddenBlockThreshold {
		return false
	}
	if _, already := b.blocked[host]; already {
		return false
	}
	b.blocked[host] = struct{}{}
	return true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
