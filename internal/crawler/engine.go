package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	sysclock "github.com/searchstack/crawler/internal/clock/system"
	"github.com/searchstack/crawler/internal/dedup"
	"github.com/searchstack/crawler/internal/metrics"
)

// Dependencies carries everything one crawl session needs. Fetcher, Extractor,
// and Robots are required; the rest are optional or defaulted.
type Dependencies struct {
	Fetcher      Fetcher
	Renderer     Renderer
	Detector     Detector
	Extractor    Extractor
	Robots       RobotsPolicy
	Retry        RetryPolicy
	Sink         HTMLSink
	Clock        Clock
	Logger       *zap.Logger
	Fingerprints *dedup.FingerprintStore
	Images       *dedup.ImageFingerprinter

	// OnResult receives every PageResult in completion order.
	OnResult func(PageResult)
}

// Engine drives one crawl session: frontier traversal, a bounded worker pool,
// the per-page pipeline, cooperative cancellation, and statistics.
type Engine struct {
	id   string
	cfg  CrawlConfig
	deps Dependencies

	pipeline *pipeline
	filter   *linkFilter
	logger   *zap.Logger

	mu    sync.Mutex
	state SessionState
	stats CrawlStats
	err   error

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewEngine builds an Engine for cfg. The config is normalized; the seed URL
// and patterns are validated up front.
func NewEngine(id string, cfg CrawlConfig, deps Dependencies) (*Engine, error) {
	cfg = cfg.Normalize()
	if deps.Fetcher == nil || deps.Extractor == nil {
		return nil, errors.New("engine requires a fetcher and an extractor")
	}
	if deps.Robots == nil {
		deps.Robots = &allowAllRobots{}
	}
	if deps.Retry == nil {
		deps.Retry = NewTimeoutRetryPolicy(cfg.MaxRetries)
	}
	if deps.Clock == nil {
		deps.Clock = sysclock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Fingerprints == nil {
		deps.Fingerprints = dedup.NewFingerprintStore(dedup.DefaultSimHashThreshold)
	}

	seed, err := NormalizeURL(cfg.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	cfg.SourceURL = seed

	filter, err := newLinkFilter(seed, cfg.IncludePatterns, cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid url patterns: %w", err)
	}

	logger := deps.Logger.With(zap.String("session_id", id), zap.String("source", seed))

	return &Engine{
		id:   id,
		cfg:  cfg,
		deps: deps,
		pipeline: &pipeline{
			cfg:          cfg,
			fetcher:      deps.Fetcher,
			renderer:     deps.Renderer,
			detector:     deps.Detector,
			extractor:    deps.Extractor,
			robots:       deps.Robots,
			limiter:      NewRateLimiter(cfg.RequestDelay, 1),
			retry:        deps.Retry,
			sink:         deps.Sink,
			clock:        deps.Clock,
			logger:       logger,
			fingerprints: deps.Fingerprints,
			images:       deps.Images,
			blocker:      newDomainBlocker(),
		},
		filter:   filter,
		logger:   logger,
		state:    SessionStateIdle,
		cancelCh: make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (e *Engine) ID() string { return e.id }

// Config returns the normalized session configuration.
func (e *Engine) Config() CrawlConfig { return e.cfg }

// State returns the current lifecycle state.
func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the running counters.
func (e *Engine) Stats() CrawlStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Err returns the fatal session error, if the session failed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Cancel requests cooperative cancellation. In-flight fetches finish or time
// out; no new fetches start.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() {
		close(e.cancelCh)
	})
}

// Run executes the crawl to completion and returns the final stats. It may be
// called once per Engine.
func (e *Engine) Run(ctx context.Context) (CrawlStats, error) {
	e.mu.Lock()
	if e.state != SessionStateIdle {
		e.mu.Unlock()
		return e.stats, fmt.Errorf("session %s already started", e.id)
	}
	e.state = SessionStateRunning
	e.stats.StartedAt = e.deps.Clock.Now().UTC()
	e.mu.Unlock()

	e.logger.Info("crawl session started",
		zap.Int("max_pages", e.cfg.MaxPages),
		zap.Int("crawl_depth", e.cfg.CrawlDepth),
		zap.Int("concurrent_requests", e.cfg.ConcurrentRequests))

	finalState, runErr := e.runLoop(ctx)

	now := e.deps.Clock.Now().UTC()
	e.mu.Lock()
	e.state = finalState
	e.err = runErr
	e.stats.EndedAt = &now
	stats := e.stats
	e.mu.Unlock()

	metrics.ObserveSession(string(finalState))
	e.logger.Info("crawl session ended",
		zap.String("state", string(finalState)),
		zap.Int("pages_fetched", stats.PagesFetched),
		zap.Int("pages_accepted", stats.PagesAccepted),
		zap.Int("pages_duplicate", stats.PagesDuplicate),
		zap.Int("pages_failed", stats.PagesFailed),
		zap.Int("pages_skipped", stats.PagesSkipped),
		zap.Error(runErr))
	return stats, runErr
}

// runLoop is the scheduler: it keeps up to ConcurrentRequests tasks in flight,
// waits for any one completion, and expands the frontier from accepted pages.
// A panic here is fatal to the session.
func (e *Engine) runLoop(ctx context.Context) (state SessionState, fatal error) {
	defer func() {
		if r := recover(); r != nil {
			state = SessionStateFailed
			fatal = fmt.Errorf("crawl loop panic: %v", r)
			e.logger.Error("crawl loop panicked", zap.Any("panic", r))
		}
	}()

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	queue := newFrontier()
	visited := newVisitedSet()
	visited.MarkIfNew(e.cfg.SourceURL)
	queue.Push(FrontierEntry{URL: e.cfg.SourceURL, Depth: 0})

	results := make(chan taskResult)
	inFlight := 0
	cancelled := false

	for {
		if !cancelled {
			for inFlight < e.cfg.ConcurrentRequests && e.budgetLeft(inFlight) {
				entry, ok := queue.Pop()
				if !ok {
					break
				}
				inFlight++
				go e.runTask(taskCtx, entry, results)
			}
		}
		if inFlight == 0 {
			break
		}

		select {
		case res := <-results:
			inFlight--
			dropped := e.record(res, cancelled)
			if !cancelled && !dropped && res.page.Accepted() {
				e.expand(queue, visited, res)
			}
		case <-e.cancelCh:
			if !cancelled {
				cancelled = true
				cancelTasks()
				e.logger.Info("cancellation requested; draining in-flight tasks",
					zap.Int("in_flight", inFlight))
			}
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				cancelTasks()
				e.logger.Info("context done; draining in-flight tasks",
					zap.Int("in_flight", inFlight), zap.Error(ctx.Err()))
			}
		}
	}

	if cancelled {
		return SessionStateCancelled, nil
	}
	return SessionStateCompleted, nil
}

// budgetLeft reports whether another fetch can start without risking more
// than MaxPages fetched pages, counting tasks already in flight.
func (e *Engine) budgetLeft(inFlight int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.PagesFetched+inFlight < e.cfg.MaxPages
}

func (e *Engine) runTask(ctx context.Context, entry FrontierEntry, results chan<- taskResult) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	results <- e.pipeline.process(ctx, entry, e.filter)
}

// record updates stats for one completed task and emits the result. Tasks
// torn down by cancellation are dropped, not counted. Returns true when the
// result was dropped.
func (e *Engine) record(res taskResult, cancelled bool) bool {
	if cancelled && errors.Is(res.err, context.Canceled) {
		return true
	}
	page := res.page

	e.mu.Lock()
	switch {
	case page.Failure == FailureRobotsBlocked || page.Failure == FailureDomainBlocked:
		e.stats.PagesSkipped++
	case page.Failure != FailureNone:
		e.stats.PagesFetched++
		e.stats.PagesFailed++
	case page.IsDuplicate:
		e.stats.PagesFetched++
		e.stats.PagesDuplicate++
	default:
		e.stats.PagesFetched++
		e.stats.PagesAccepted++
	}
	e.mu.Unlock()

	metrics.ObservePage(page.URL, pageMetricStatus(page), len(page.Content))

	if e.deps.OnResult != nil {
		e.deps.OnResult(page)
	}
	return false
}

// expand enqueues admitted links at depth+1, once per URL per session.
func (e *Engine) expand(queue *frontier, visited *visitedSet, res taskResult) {
	nextDepth := res.page.Depth + 1
	if nextDepth > e.cfg.CrawlDepth {
		return
	}
	for _, link := range res.links {
		if visited.MarkIfNew(link) {
			queue.Push(FrontierEntry{URL: link, Depth: nextDepth})
		}
	}
}

func pageMetricStatus(page PageResult) string {
	switch {
	case page.Failure == FailureRobotsBlocked || page.Failure == FailureDomainBlocked:
		return "skipped"
	case page.Failure != FailureNone:
		return "failed"
	case page.IsDuplicate:
		return "duplicate"
	default:
		return "accepted"
	}
}
