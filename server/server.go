// Package server exposes the resolver and relay over HTTP.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ytget/teraproxy/internal/logger"
	"github.com/ytget/teraproxy/internal/metrics"
	"github.com/ytget/teraproxy/relay"
	"github.com/ytget/teraproxy/types"
)

const (
	healthPath  = "/healthz"
	serviceName = "teraproxy"
)

// Resolver provides share metadata.
type Resolver interface {
	// Lookup may serve from cache; cached reports a hit.
	Lookup(ctx context.Context, id string) (d *types.FileDescriptor, cached bool, err error)
	// Fetch always asks upstream.
	Fetch(ctx context.Context, id string) (*types.FileDescriptor, error)
}

// MediaRelay copies upstream media to clients.
type MediaRelay interface {
	Download(ctx context.Context, w http.ResponseWriter, mediaURL, filename string) (relay.Result, error)
	Stream(ctx context.Context, w http.ResponseWriter, mediaURL, rangeHeader string) (relay.Result, error)
	Proxy(ctx context.Context, w http.ResponseWriter, targetURL string) (relay.Result, error)
}

// Server is the HTTP edge of the service.
type Server struct {
	resolver    Resolver
	relay       MediaRelay
	metrics     *metrics.Metrics
	metricsPath string
	publicURL   string
	debug       bool
	log         *logger.ComponentLogger
	handler     http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l.WithComponent(logger.ComponentServer)
		}
	}
}

// WithMetrics enables request metrics and serves them on path. An empty path
// records metrics without exposing them.
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// WithPublicURL fixes the origin used in generated links instead of deriving
// it from each request.
func WithPublicURL(origin string) Option {
	return func(s *Server) {
		s.publicURL = strings.TrimRight(origin, "/")
	}
}

// WithDebug includes stack traces in 500 responses.
func WithDebug(debug bool) Option {
	return func(s *Server) {
		s.debug = debug
	}
}

// New builds the server and its routes.
func New(resolver Resolver, mediaRelay MediaRelay, opts ...Option) *Server {
	s := &Server{
		resolver: resolver,
		relay:    mediaRelay,
		log:      logger.WithComponent(logger.ComponentServer),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.requestID, s.recoverer, s.observe, cors, middleware.GetHead)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, msgInvalidEndpoint)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, msgMethodNotAllowed)
	})

	r.Get("/", s.handleHome)
	r.Get(healthPath, s.handleHealth)
	if s.metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}
	for pattern, h := range map[string]http.HandlerFunc{
		"/info":        s.handleInfo,
		"/download":    s.handleDownload,
		"/stream":      s.handleStream,
		"/stream.m3u8": s.handlePlaylist,
		"/proxy":       s.handleProxy,
		"/{id}":        s.handleInfo,
	} {
		r.Get(pattern, h)
		r.Post(pattern, h)
	}

	s.handler = otelhttp.NewHandler(r, serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != healthPath && (s.metricsPath == "" || p != s.metricsPath)
		}),
	)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
