// Package server exposes the image cache over HTTP: serving cached images,
// fetching and admitting misses, and the maintenance endpoints used by
// local tooling.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/download"
	"github.com/wolfeidau/image-cache/mirror"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// HotEntries is the number of recently served images kept in memory.
	// Zero uses the default; negative disables the hot cache.
	HotEntries int

	// HotMaxItemSize is the largest image kept in the hot cache.
	HotMaxItemSize int64

	// CacheControl is sent with served images.
	CacheControl string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache      *cache.Manager
	downloader *download.Downloader
	syncer     *mirror.Syncer
	janitor    *cache.Janitor
	hot        *hotCache
}

// Option configures optional collaborators.
type Option func(*Server)

// WithDownloader enables fetch-and-admit on /images misses.
func WithDownloader(d *download.Downloader) Option {
	return func(s *Server) {
		s.downloader = d
	}
}

// WithSyncer enables POST /sync.
func WithSyncer(sy *mirror.Syncer) Option {
	return func(s *Server) {
		s.syncer = sy
	}
}

// WithJanitor runs periodic maintenance while the server is up.
func WithJanitor(j *cache.Janitor) Option {
	return func(s *Server) {
		s.janitor = j
	}
}

// New creates a new server over m.
func New(cfg Config, m *cache.Manager, opts ...Option) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.HotEntries == 0 {
		cfg.HotEntries = 256
	}
	if cfg.HotMaxItemSize == 0 {
		cfg.HotMaxItemSize = 1 << 20
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "public, max-age=86400"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		cache:  m,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.HotEntries > 0 {
		hot, err := newHotCache(cfg.HotEntries, cfg.HotMaxItemSize)
		if err != nil {
			return nil, fmt.Errorf("creating hot cache: %w", err)
		}
		s.hot = hot
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.route("health", s.handleHealth))
	mux.HandleFunc("GET /stats", s.route("stats", s.handleStats))
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /images", s.route("images", s.handleImage))
	mux.HandleFunc("HEAD /images", s.route("images", s.handleImage))

	mux.HandleFunc("GET /entries", s.route("entries", s.handleListEntries))
	mux.HandleFunc("DELETE /entries", s.route("entries_delete", s.handleDeleteEntry))

	mux.HandleFunc("POST /cleanup", s.route("cleanup", s.handleCleanup))
	mux.HandleFunc("POST /prune", s.route("prune", s.handlePrune))
	mux.HandleFunc("POST /clear", s.route("clear", s.handleClear))
	mux.HandleFunc("POST /sync", s.route("sync", s.handleSync))
}

// route names the handler for logs and metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetRoute(r, name)
		h(w, r)
	}
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = telemetry.InjectTags(r, requestID)
		r = r.WithContext(telemetry.WithSource(r.Context(), "server"))
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the janitor, if any, and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor.Start(ctx)
	}

	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.janitor != nil {
		if err := s.janitor.Stop(ctx); err != nil {
			s.logger.Warn("janitor did not stop cleanly", "error", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
