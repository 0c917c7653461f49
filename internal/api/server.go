package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/decaptcha-crawler/internal/crawler"
	"github.com/JakeFAU/decaptcha-crawler/internal/decaptcha"
	"github.com/JakeFAU/decaptcha-crawler/internal/ledger"
	"github.com/JakeFAU/decaptcha-crawler/internal/metrics"
)

const requestTimeout = 60 * time.Second

// GateController is the part of decaptcha.Gate operators can drive.
type GateController interface {
	Status() decaptcha.Status
	Pause()
	Resume() int
}

// CrawlStats reports host crawl counters.
type CrawlStats interface {
	Stats() crawler.Stats
}

// Options wires the server to its collaborators. Every field is optional; a
// nil Gate means the crawl runs ungated.
type Options struct {
	Gate        GateController
	Ledger      ledger.Ledger
	Crawl       CrawlStats
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
	APIKey      string
	Logger      *zap.Logger
}

// Server wires HTTP handlers to the gate, ledger and crawl.
type Server struct {
	router     chi.Router
	opts       Options
	logger     *zap.Logger
	challenges *ChallengeHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:       opts,
		logger:     logger,
		challenges: NewChallengeHandler(opts.Ledger, logger),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if opts.HTTPMetrics != nil {
		r.Use(opts.HTTPMetrics.Middleware)
	}
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/gate", func(r chi.Router) {
			r.Get("/", s.gateStatus)
			r.Post("/pause", s.pauseGate)
			r.Post("/resume", s.resumeGate)
		})
		r.Get("/challenges", s.challenges.ListChallenges)
		r.Get("/crawl", s.crawlStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if s.opts.Gate != nil && s.opts.Gate.Status().Paused {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) gateStatus(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, decaptcha.ErrDisabled.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Gate.Status())
}

func (s *Server) pauseGate(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, decaptcha.ErrDisabled.Error())
		return
	}
	s.opts.Gate.Pause()
	s.logger.Warn("Crawl paused by operator")
	writeJSON(w, http.StatusOK, s.opts.Gate.Status())
}

func (s *Server) resumeGate(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, decaptcha.ErrDisabled.Error())
		return
	}
	replayed := s.opts.Gate.Resume()
	s.logger.Warn("Crawl resumed by operator", zap.Int("replayed", replayed))
	writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

func (s *Server) crawlStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Crawl == nil {
		writeError(w, http.StatusServiceUnavailable, "crawl not running")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Crawl.Stats())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
