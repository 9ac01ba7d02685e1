// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchstack/crawler/internal/config"
	"github.com/searchstack/crawler/internal/crawler"
	"github.com/searchstack/crawler/internal/dedup"
	"github.com/searchstack/crawler/internal/metrics"
)

// Server wires HTTP handlers to the session manager.
type Server struct {
	router  chi.Router
	manager *crawler.Manager
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manager *crawler.Manager, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.listCrawls)
			r.Get("/active", s.activeCrawls)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
		r.Post("/results/dedupe", s.dedupeResults)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startCrawlRequest is the POST /v1/crawls body. Absent fields fall back to
// the service configuration.
type startCrawlRequest struct {
	SourceID           string   `json:"source_id"`
	SourceURL          string   `json:"source_url"`
	CrawlDepth         *int     `json:"crawl_depth"`
	MaxPages           *int     `json:"max_pages"`
	IncludePatterns    []string `json:"include_patterns"`
	ExcludePatterns    []string `json:"exclude_patterns"`
	RespectRobots      *bool    `json:"respect_robots"`
	ConcurrentRequests *int     `json:"concurrent_requests"`
	RequestDelayMs     *int     `json:"request_delay_ms"`
	TimeoutSeconds     *int     `json:"timeout_seconds"`
	MaxRetries         *int     `json:"max_retries"`
	UserAgent          string   `json:"user_agent"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url is required")
		return
	}

	cfg := s.toCrawlConfig(req)
	id, err := s.manager.Start(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.Sessions()
	out := make([]sessionDTO, 0, len(sessions))
	for _, engine := range sessions {
		out = append(out, toSessionDTO(engine))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) activeCrawls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_ids": s.manager.ActiveSessionIDs(),
	})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	engine, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(engine)})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.manager.Cancel(id); err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"state":      string(crawler.SessionStateCancelled),
	})
}

// dedupeRequest is one page of rendered results the display layer wants
// collapsed before showing to a user.
type dedupeRequest struct {
	Threshold float64              `json:"threshold,omitempty"`
	Results   []dedup.SearchResult `json:"results"`
}

func (s *Server) dedupeResults(w http.ResponseWriter, r *http.Request) {
	var req dedupeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	deduper := dedup.NewEmbeddingDeduper(req.Threshold)
	kept := deduper.Dedupe(req.Results)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": kept,
		"dropped": len(req.Results) - len(kept),
	})
}

// sessionDTO is the public shape of one crawl session.
type sessionDTO struct {
	SessionID string             `json:"session_id"`
	SourceURL string             `json:"source_url"`
	State     string             `json:"state"`
	Running   bool               `json:"running"`
	Stats     crawler.CrawlStats `json:"stats"`
	Error     string             `json:"error,omitempty"`
}

func toSessionDTO(engine *crawler.Engine) sessionDTO {
	state := engine.State()
	dto := sessionDTO{
		SessionID: engine.ID(),
		SourceURL: engine.Config().SourceURL,
		State:     string(state),
		Running:   state == crawler.SessionStateRunning,
		Stats:     engine.Stats(),
	}
	if err := engine.Err(); err != nil {
		dto.Error = err.Error()
	}
	return dto
}

func (s *Server) toCrawlConfig(req startCrawlRequest) crawler.CrawlConfig {
	defaults := s.cfg.Crawler
	cfg := crawler.CrawlConfig{
		SourceID:           req.SourceID,
		SourceURL:          req.SourceURL,
		CrawlDepth:         valueOrDefault(req.CrawlDepth, defaults.CrawlDepth),
		MaxPages:           valueOrDefault(req.MaxPages, defaults.MaxPages),
		IncludePatterns:    req.IncludePatterns,
		ExcludePatterns:    req.ExcludePatterns,
		RespectRobots:      valueOrDefault(req.RespectRobots, defaults.RespectRobots),
		ConcurrentRequests: valueOrDefault(req.ConcurrentRequests, defaults.ConcurrentRequests),
		RequestDelay:       time.Duration(valueOrDefault(req.RequestDelayMs, defaults.RequestDelayMs)) * time.Millisecond,
		Timeout:            time.Duration(valueOrDefault(req.TimeoutSeconds, defaults.TimeoutSeconds)) * time.Second,
		MaxRetries:         valueOrDefault(req.MaxRetries, defaults.MaxRetries),
		UserAgent:          req.UserAgent,
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	return cfg
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

// apiKeyMiddleware rejects /v1 requests lacking the configured key. With no
// key configured it is a no-op.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := s.cfg.Server.APIKey; key != "" && r.Header.Get("X-API-Key") != key {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
