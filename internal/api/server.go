package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/artifacts"
	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/dedup"
	"github.com/JakeFAU/ingest-crawler/internal/metrics"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

// Runner starts pipeline runs. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
}

// Sources lists and toggles registry sources. *registry.Registry satisfies it.
type Sources interface {
	Sources() []crawler.Source
	SetEnabled(by, value string, enabled bool) (int, error)
}

// CacheStats reports dedup cache contents. *dedup.Cache satisfies it.
type CacheStats interface {
	Stats(ctx context.Context) (dedup.Stats, error)
}

// Deps are the collaborators behind the handlers. Ready and SaveSources are
// optional.
type Deps struct {
	Runs      store.RunStore
	Artifacts *artifacts.Store
	Runner    Runner
	Sources   Sources
	Cache     CacheStats
	// Ready reports whether downstream stores are reachable.
	Ready func(ctx context.Context) error
	// SaveSources persists registry changes made through the API.
	SaveSources func() error
}

// Config controls middleware.
type Config struct {
	RequestTimeout time.Duration
	APIKey         string
}

// Server wires HTTP handlers to the pipeline, registry and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger

	// base outlives requests; runs started over HTTP are canceled with it.
	base    context.Context
	runs    sync.WaitGroup
	sources sync.Mutex
}

// NewServer constructs a Server with middleware and routes. Runs started via
// POST /v1/runs inherit base.
func NewServer(base context.Context, deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger, base: base}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.startRun)
			r.Get("/{run_id}", s.getRun)
			r.Get("/{run_id}/report", s.getReport)
		})
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/{name}/enable", s.toggleSource(true))
			r.Post("/{name}/disable", s.toggleSource(false))
		})
		r.Get("/cache/stats", s.cacheStats)
	})

	s.router = r
	return s
}

// Handler returns the router wrapped with OpenTelemetry server spans.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "api")
}

// Wait blocks until runs started over HTTP have returned.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

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
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
