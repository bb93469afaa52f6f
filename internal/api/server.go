package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	storeTimeout      = 5 * time.Second
)

// Controller starts, stops and reports on crawl runs.
type Controller interface {
	Start(ctx context.Context) (string, error)
	Stop() error
	Status() dispatcher.Status
}

// EventSource returns recent progress events, newest last.
type EventSource interface {
	Snapshot(limit int) []progress.Event
}

// Config controls server middleware.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router  chi.Router
	ctrl    Controller
	store   crawler.Store
	objects crawler.ObjectStore
	events  EventSource
	digests *sha256.Hasher
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events may be nil.
func NewServer(
	ctrl Controller,
	store crawler.Store,
	objects crawler.ObjectStore,
	events EventSource,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		ctrl:    ctrl,
		store:   store,
		objects: objects,
		events:  events,
		digests: sha256.New(),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/start", s.startCrawl)
			r.Post("/stop", s.stopCrawl)
			r.Post("/requeue", s.requeue)
			r.Get("/status", s.status)
			r.Get("/events", s.listEvents)
		})
		r.Get("/files/{file_id}", s.getFile)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.store.Stats(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	runID, err := s.ctrl.Start(r.Context())
	switch {
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("start crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.ctrl.Status().State)})
}

type statusResponse struct {
	Crawl      dispatcher.Status `json:"crawl"`
	Stats      *crawler.Stats    `json:"stats,omitempty"`
	StatsError string            `json:"stats_error,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Crawl: s.ctrl.Status()}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("load stats failed", zap.Error(err))
		resp.StatsError = "stats unavailable"
	} else {
		resp.Stats = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

type requeueRequest struct {
	Codes *bool `json:"codes"`
	Names *bool `json:"names"`
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := crawler.RequeueTarget{Codes: true, Names: true}
	if req.Codes != nil || req.Names != nil {
		target = crawler.RequeueTarget{Codes: valueOrFalse(req.Codes), Names: valueOrFalse(req.Names)}
	}
	if !target.Codes && !target.Names {
		writeError(w, http.StatusBadRequest, "nothing to requeue")
		return
	}
	// The store has a single writer: the active run.
	if st := s.ctrl.Status(); st.State != dispatcher.StateIdle {
		writeError(w, http.StatusConflict, "crawl is running")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	res, err := s.store.RequeueErrors(ctx, target)
	if err != nil {
		s.logger.Error("requeue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to requeue")
		return
	}
	s.logger.Info("requeued error rows", zap.Int64("codes", res.Codes), zap.Int64("names", res.Names))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress events disabled")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events := s.events.Snapshot(limit)
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	data, ok := s.objects.GetFile(r.Context(), fileID)
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	digest, err := s.digests.Hash(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hash file")
		return
	}
	w.Header().Set("ETag", strconv.Quote(digest))
	if tag := etagValue(r.Header.Get("If-None-Match")); tag != "" && s.digests.Verify(data, tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write file failed", zap.String("file_id", fileID), zap.Error(err))
	}
}

// etagValue strips the weak prefix and quotes from an If-None-Match value.
func etagValue(header string) string {
	tag := strings.TrimSpace(header)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, `"`)
}

func valueOrFalse(ptr *bool) bool {
	return ptr != nil && *ptr
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec), zap.String("request_id", requestID(r.Context())))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
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
