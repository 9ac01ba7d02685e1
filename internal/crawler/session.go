package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	sysclock "github.com/searchstack/crawler/internal/clock/system"
	"github.com/searchstack/crawler/internal/dedup"
	uuidgen "github.com/searchstack/crawler/internal/id/uuid"
)

// ErrSessionNotFound is returned for lookups of unknown session IDs.
var ErrSessionNotFound = errors.New("crawl session not found")

// downstreamTimeout bounds each index/publish call for one accepted page.
const downstreamTimeout = 10 * time.Second

// ManagerConfig carries the service-level settings shared by all sessions.
type ManagerConfig struct {
	UserAgent        string
	RobotsTimeout    time.Duration
	SimHashThreshold int
	ImageDedup       dedup.ImageFingerprinterConfig
	PublishTopic     string
}

// ManagerDeps carries the collaborators a Manager hands to its sessions.
// Extractor is required; everything else is optional or defaulted.
type ManagerDeps struct {
	Extractor Extractor
	Renderer  Renderer
	Detector  Detector
	Sink      HTMLSink
	Indexer   Indexer
	Publisher Publisher
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger

	// NewFetcher builds the per-session fetcher. Defaults to a Colly fetcher
	// configured from the session's user agent and timeout.
	NewFetcher func(CrawlConfig) Fetcher
}

// Manager owns all crawl sessions in the process: it starts them, exposes
// them for introspection, cancels them, and fans accepted pages out to the
// index and the message bus.
type Manager struct {
	cfg  ManagerConfig
	deps ManagerDeps

	// robots is shared across sessions so the rule cache survives session
	// boundaries.
	robots RobotsPolicy
	logger *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Engine
}

// NewManager builds a Manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Extractor == nil {
		return nil, errors.New("manager requires an extractor")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if deps.Clock == nil {
		deps.Clock = sysclock.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuidgen.NewUUIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewFetcher == nil {
		deps.NewFetcher = func(c CrawlConfig) Fetcher {
			return NewCollyFetcher(CollyFetcherConfig{
				UserAgent: c.UserAgent,
				Timeout:   c.Timeout,
			})
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		robots:     NewRobotsGate(true, cfg.UserAgent, cfg.RobotsTimeout, deps.Logger),
		logger:     deps.Logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   make(map[string]*Engine),
	}, nil
}

// Start launches a new crawl session for cfg and returns its ID. The session
// runs until completion, cancellation, or manager shutdown.
func (m *Manager) Start(cfg CrawlConfig) (string, error) {
	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}

	robots := m.robots
	if !cfg.RespectRobots {
		robots = &allowAllRobots{}
	}

	cfg = cfg.Normalize()
	imageCfg := m.cfg.ImageDedup
	if imageCfg.UserAgent == "" {
		imageCfg.UserAgent = cfg.UserAgent
	}

	engine, err := NewEngine(id, cfg, Dependencies{
		Fetcher:      m.deps.NewFetcher(cfg),
		Renderer:     m.deps.Renderer,
		Detector:     m.deps.Detector,
		Extractor:    m.deps.Extractor,
		Robots:       robots,
		Sink:         m.deps.Sink,
		Clock:        m.deps.Clock,
		Logger:       m.logger,
		Fingerprints: dedup.NewFingerprintStore(m.cfg.SimHashThreshold),
		Images:       dedup.NewImageFingerprinter(imageCfg, dedup.NewImageHashStore(), m.logger),
		OnResult:     func(page PageResult) { m.handleResult(id, page) },
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[id] = engine
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := engine.Run(m.rootCtx); err != nil {
			m.logger.Error("crawl session failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}()

	return id, nil
}

// handleResult forwards accepted pages to the index and the message bus.
// Downstream failures are logged, never propagated into the crawl.
func (m *Manager) handleResult(sessionID string, page PageResult) {
	if !page.Accepted() {
		return
	}
	ctx, cancel := context.WithTimeout(m.rootCtx, downstreamTimeout)
	defer cancel()

	if m.deps.Indexer != nil {
		if err := m.deps.Indexer.IndexPage(ctx, sessionID, page); err != nil {
			m.logger.Error("index page failed",
				zap.String("session_id", sessionID),
				zap.String("url", page.URL), zap.Error(err))
		}
	}
	if m.deps.Publisher != nil && m.cfg.PublishTopic != "" {
		if _, err := m.deps.Publisher.Publish(ctx, m.cfg.PublishTopic, page); err != nil {
			m.logger.Error("publish page failed",
				zap.String("session_id", sessionID),
				zap.String("url", page.URL), zap.Error(err))
		}
	}
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	engine, ok := m.sessions[id]
	return engine, ok
}

// Sessions returns all known sessions, newest IDs last.
func (m *Manager) Sessions() []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Engine, 0, len(m.sessions))
	for _, engine := range m.sessions {
		out = append(out, engine)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveSessionIDs returns the IDs of sessions currently running, sorted.
func (m *Manager) ActiveSessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, engine := range m.sessions {
		if engine.State() == SessionStateRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether the session exists and is currently running.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	engine, ok := m.sessions[id]
	m.mu.Unlock()
	return ok && engine.State() == SessionStateRunning
}

// Cancel requests cancellation of the session with the given ID.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	engine, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	engine.Cancel()
	return nil
}

// Shutdown cancels every session and waits for them to drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, engine := range m.sessions {
		engine.Cancel()
	}
	m.mu.Unlock()
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session drain: %w", ctx.Err())
	}
}
