package crawler

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// frontier is the FIFO queue of (url, depth) pairs driving breadth-first
// traversal. Depth increases monotonically per link; sibling order within a
// depth is best-effort.
type frontier struct {
	mu      sync.Mutex
	entries []FrontierEntry
}

func newFrontier() *frontier {
	return &frontier{}
}

func (f *frontier) Push(entry FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *frontier) Pop() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return FrontierEntry{}, false
	}
	entry := f.entries[0]
	f.entries = f.entries[1:]
	return entry, true
}

func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// visitedSet tracks URLs already enqueued in this session. The check-and-set
// is atomic so two workers racing on the same URL admit it exactly once.
type visitedSet struct {
	seen sync.Map
}

func newVisitedSet() *visitedSet {
	return &visitedSet{}
}

// MarkIfNew records url and reports whether it was unseen.
func (v *visitedSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := v.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// linkFilter admits discovered links by origin and include/exclude globs.
type linkFilter struct {
	origin  string
	include []glob.Glob
	exclude []glob.Glob
}

func newLinkFilter(sourceURL string, includePatterns, excludePatterns []string) (*linkFilter, error) {
	origin, err := Origin(sourceURL)
	if err != nil {
		return nil, err
	}
	include, err := compileGlobs(includePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(excludePatterns)
	if err != nil {
		return nil, err
	}
	return &linkFilter{
		origin:  origin,
		include: include,
		exclude: exclude,
	}, nil
}

// Admit reports whether a normalized absolute URL may enter the frontier.
// Same-origin is mandatory; include patterns, when present, are a whitelist;
// exclude patterns always win.
func (f *linkFilter) Admit(normalizedURL string) bool {
	if !strings.HasPrefix(normalizedURL, f.origin+"/") && normalizedURL != f.origin {
		return false
	}
	for _, g := range f.exclude {
		if g.Match(normalizedURL) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(normalizedURL) {
			return true
		}
	}
	return false
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		// Patterns like "/blog/*" are matched against the full URL.
		if strings.HasPrefix(pattern, "/") {
			pattern = "*" + pattern
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}
