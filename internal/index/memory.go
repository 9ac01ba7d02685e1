package index

import (
	"context"
	"sync"

	"github.com/searchstack/crawler/internal/crawler"
)

// MemoryIndexer records indexed pages in memory, for development and tests.
type MemoryIndexer struct {
	mu    sync.RWMutex
	pages map[string][]crawler.PageResult
}

// NewMemory builds an empty MemoryIndexer.
func NewMemory() *MemoryIndexer {
	return &MemoryIndexer{pages: make(map[string][]crawler.PageResult)}
}

// IndexPage implements crawler.Indexer.
func (m *MemoryIndexer) IndexPage(_ context.Context, sessionID string, page crawler.PageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[sessionID] = append(m.pages[sessionID], page)
	return nil
}

// Pages returns the pages indexed for a session.
func (m *MemoryIndexer) Pages(sessionID string) []crawler.PageResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]crawler.PageResult, len(m.pages[sessionID]))
	copy(out, m.pages[sessionID])
	return out
}
