// Package api is the HTTP surface: health, metrics, the live connection
// endpoint and one-shot queue submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/execd/internal/auth"
	"github.com/dontdude/execd/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Admitter accepts one-shot execution requests.
type Admitter interface {
	Admit(ctx context.Context, identity string, req domain.ExecRequest, channel domain.ResultChannel, priority domain.Priority) domain.Outcome
}

// Options wires the server's collaborators.
type Options struct {
	Addr     string
	Admitter Admitter
	Verifier auth.Verifier
	// Gateway serves GET /ws. Nil leaves the route unregistered.
	Gateway http.Handler
	// Limit wraps the submission route, typically a per-IP rate limiter.
	Limit func(http.Handler) http.Handler
	// Ready reports whether dependencies are reachable for /health.
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	admitter Admitter
	verifier auth.Verifier
	gateway  http.Handler
	limit    func(http.Handler) http.Handler
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		admitter: opts.Admitter,
		verifier: opts.Verifier,
		gateway:  opts.Gateway,
		limit:    opts.Limit,
		ready:    opts.Ready,
		logger:   opts.Logger,
		addr:     opts.Addr,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.limit == nil {
		srv.limit = func(h http.Handler) http.Handler { return h }
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler())
	if s.gateway != nil {
		s.router.Method(http.MethodGet, "/ws", s.gateway)
	}
	s.router.With(s.limit).Post("/queue", s.handleQueue)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
