package symbolserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"symbold/pkg/symbols"
)

// ServerOptions tunes the HTTP surface.
type ServerOptions struct {
	// RateLimit caps download requests per client IP and minute. Zero disables it.
	RateLimit int

	// Ready reports whether dependencies are reachable.
	Ready func(ctx context.Context) error

	Gatherer prometheus.Gatherer
}

// Server serves symbol and source downloads.
type Server struct {
	resolver  *Resolver
	auth      *AuthHelper
	artifacts ArtifactStore
	metrics   *Metrics
	opts      ServerOptions
	log       zerolog.Logger
}

func NewServer(resolver *Resolver, auth *AuthHelper, artifacts ArtifactStore, metrics *Metrics, opts ServerOptions, log zerolog.Logger) (*Server, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if auth == nil {
		return nil, errors.New("auth helper is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{resolver: resolver, auth: auth, artifacts: artifacts, metrics: metrics, opts: opts, log: log}, nil
}

// Routes constructs the chi router with the download and probe endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		}
		r.Get(symbols.SymbolsPath, s.handleSymbols)
		r.Get(symbols.SymbolsPath+"/*", s.handleSymbols)
		r.Get(symbols.SourcesPath+"/*", s.handleSources)
	})
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("not ready")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
