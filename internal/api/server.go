// Package api exposes the HTTP interface for the scrape service.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fetchwork/mediascrape/internal/config"
	"github.com/fetchwork/mediascrape/internal/metrics"
	"github.com/fetchwork/mediascrape/internal/pipeline"
	"github.com/fetchwork/mediascrape/internal/scrape"
)

// Server wires HTTP handlers to the pipeline controller and stores.
type Server struct {
	router     chi.Router
	store      scrape.Store
	kv         scrape.Cache
	controller *pipeline.Controller
	cfg        config.Config
	logger     *zap.Logger
	startedAt  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store scrape.Store,
	kv scrape.Cache,
	controller *pipeline.Controller,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		kv:         kv,
		controller: controller,
		cfg:        cfg,
		logger:     logger,
		startedAt:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/health", s.health)
	r.Get("/health/detailed", s.healthDetailed)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.basicAuthMiddleware)

		r.Post("/auth/login", s.login)
		r.Get("/auth/me", s.me)

		r.Post("/scrape", s.submitScrape)
		r.Get("/scrape/queue/stats", s.queueStats)

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)

		r.Get("/media", s.listMedia)
		r.Get("/media/stats", s.mediaStats)
		r.Get("/media/{id}", s.getMedia)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type principalKey struct{}

// principal returns the authenticated username from the request context.
func principal(ctx context.Context) string {
	username, _ := ctx.Value(principalKey{}).(string)
	return username
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.BasicAuthUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.BasicAuthPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="mediascrape"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
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
