package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/RalkeyOfficial/MediaBreaker/internal/failure"
	"github.com/RalkeyOfficial/MediaBreaker/internal/fetch"
	"github.com/RalkeyOfficial/MediaBreaker/internal/metrics"
	"github.com/RalkeyOfficial/MediaBreaker/internal/pipeline"
	"github.com/RalkeyOfficial/MediaBreaker/internal/playlist"
)

// Resolver turns an address into a ResolvedSource.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*pipeline.ResolvedSource, error)
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (host:port)
	Addr string

	// RateLimit is the number of resolve requests per minute per client IP; 0 disables limiting
	RateLimit int

	// Retry is applied around each resolution
	Retry fetch.RetryPolicy

	// ResolveTimeout bounds one shared resolution (default: 2m)
	ResolveTimeout time.Duration
}

// Server resolves addresses over HTTP
type Server struct {
	resolver   Resolver
	cfg        Config
	metrics    *metrics.Recorder
	logger     *slog.Logger
	group      singleflight.Group
	started    time.Time
	httpServer *http.Server
}

// New creates a new HTTP server. m may be nil, in which case /metrics is not served.
func New(resolver Resolver, cfg Config, m *metrics.Recorder, logger *slog.Logger) *Server {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 2 * time.Minute
	}
	return &Server{
		resolver: resolver,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		started:  time.Now(),
	}
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(rateLimit(s.cfg.RateLimit, time.Minute))
		}
		r.Get("/resolve", s.handleResolve)
		r.Get("/playlist.m3u8", s.handlePlaylist)
	})

	r.Get("/health", s.handleHealth)
	if reg := s.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// resolve runs one resolution per address at a time; concurrent callers for
// the same address share the result.
func (s *Server) resolve(ctx context.Context, address string) (*pipeline.ResolvedSource, error) {
	ch := s.group.DoChan(address, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ResolveTimeout)
		defer cancel()
		return fetch.Retry(rctx, s.cfg.Retry, s.logger, func(ctx context.Context) (*pipeline.ResolvedSource, error) {
			return s.resolver.Resolve(ctx, address)
		})
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("shared resolution", "url", address)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pipeline.ResolvedSource), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type resolveResponse struct {
	Source *pipeline.ResolvedSource

	// Name is the output file name, empty when none could be derived
	Name string `json:",omitempty"`
}

type errorResponse struct {
	Kind  string
	Error string
}

// handleResolve serves the ResolvedSource for ?url= as JSON
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("url")
	if address == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: "usage", Error: "missing url parameter"})
		return
	}

	rs, err := s.resolve(r.Context(), address)
	if err != nil {
		s.writeFailure(w, address, err)
		return
	}

	resp := resolveResponse{Source: rs}
	if name, err := rs.BaseName(); err == nil {
		resp.Name = name
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePlaylist serves the resolved media playlist with absolute URIs
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("url")
	if address == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	rs, err := s.resolve(r.Context(), address)
	if err != nil {
		s.writeFailure(w, address, err)
		return
	}

	playlistContent, err := playlist.Render(rs.Media)
	if err != nil {
		s.logger.Error("failed to render playlist", "url", address, "error", err)
		http.Error(w, "failed to render playlist", http.StatusInternalServerError)
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(playlistContent))
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeFailure(w http.ResponseWriter, address string, err error) {
	status := StatusFor(err)
	kind := string(failure.KindOf(err))
	if kind == "" {
		kind = "other"
	}
	if failure.PageStructure(err) {
		s.logger.Warn("page did not carry the expected metadata; the remote site may have changed", "url", address, "error", err)
	} else {
		s.logger.Info("resolution failed", "url", address, "kind", kind, "error", err)
	}
	writeJSON(w, status, errorResponse{Kind: kind, Error: err.Error()})
}

// StatusFor maps a resolution failure to an HTTP status.
func StatusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.Network:
		return http.StatusBadGateway
	case failure.Decode, failure.Parse, failure.Validation, failure.MetadataNotFound, failure.MissingField:
		return http.StatusUnprocessableEntity
	case failure.NoVariants, failure.NoIdentifier:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// rateLimit limits requests per client IP with a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Kind: "rate_limited", Error: "too many requests"})
		}),
	)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
