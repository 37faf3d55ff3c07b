package symbolserver

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"symbold/pkg/symbols"
)

const (
	endpointSymbols = "symbols"
	endpointSources = "sources"

	runningMessage = "symbol server is running"
)

var sourceRequestPattern = regexp.MustCompile(`(?i).*/builds/id-(\d+)/sources/(.+)`)

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	escaped := strings.TrimSuffix(r.URL.EscapedPath(), "/")
	if strings.EqualFold(escaped, symbols.SymbolsPath) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, runningMessage)
		return
	}

	if IsCompressedPlaceholder(escaped) {
		s.notFound(w, endpointSymbols)
		return
	}

	log := s.log.With().Str("path", escaped).Logger()
	req, ok, err := ParseSymbolRequest(escaped)
	if err != nil {
		log.Warn().Err(err).Msg("malformed symbol request")
		s.notFound(w, endpointSymbols)
		return
	}
	if !ok {
		// Debuggers probe index2.txt on every symbol store.
		if !strings.HasSuffix(strings.ToLower(escaped), "index2.txt") {
			log.Warn().Msg("unexpected symbol request shape")
		}
		s.notFound(w, endpointSymbols)
		return
	}
	log = log.With().Str("file", req.FileName).Str("guid", req.Guid).Logger()

	rec, err := s.resolver.Lookup(r.Context(), req)
	if err != nil {
		s.lookupFailed(w, log, endpointSymbols, err)
		return
	}
	build, err := s.resolver.Build(r.Context(), rec.BuildID)
	if err != nil {
		s.lookupFailed(w, log, endpointSymbols, err)
		return
	}
	if _, err := s.auth.Authorize(r, build.ProjectID, symbols.PermissionViewBuildRuntimeData); err != nil {
		s.deny(w, endpointSymbols, err)
		return
	}
	s.serveArtifact(w, r, log, endpointSymbols, rec.BuildID, rec.ArtifactPath)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	escaped := r.URL.EscapedPath()
	log := s.log.With().Str("path", escaped).Logger()

	m := sourceRequestPattern.FindStringSubmatch(escaped)
	if m == nil {
		s.notFound(w, endpointSources)
		return
	}
	buildID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		s.notFound(w, endpointSources)
		return
	}
	rel, err := url.PathUnescape(m[2])
	if err != nil {
		log.Debug().Err(err).Msg("malformed source path")
		s.notFound(w, endpointSources)
		return
	}
	artifactPath := symbols.SourceArtifactPath(rel)
	if !strings.HasPrefix(artifactPath, symbols.SourcesDir+"/") {
		s.notFound(w, endpointSources)
		return
	}

	build, err := s.resolver.Build(r.Context(), buildID)
	if err != nil {
		s.lookupFailed(w, log, endpointSources, err)
		return
	}
	if _, err := s.auth.Authorize(r, build.ProjectID, symbols.PermissionViewBuildRuntimeData); err != nil {
		s.deny(w, endpointSources, err)
		return
	}
	s.serveArtifact(w, r, log, endpointSources, buildID, artifactPath)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, log zerolog.Logger, endpoint string, buildID int64, artifactPath string) {
	log = log.With().Int64("build_id", buildID).Str("artifact", artifactPath).Logger()
	rc, err := s.artifacts.Open(r.Context(), buildID, artifactPath)
	if errors.Is(err, ErrArtifactNotFound) {
		log.Debug().Msg("artifact is missing")
		s.notFound(w, endpoint)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("open artifact")
		s.failed(w, endpoint)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, rc)
	if err != nil {
		// The status line is already on the wire.
		log.Error().Err(err).Int64("bytes", n).Msg("stream artifact")
		s.metrics.Downloads.WithLabelValues(endpoint, outcomeFailed).Inc()
		return
	}
	s.metrics.Downloads.WithLabelValues(endpoint, outcomeServed).Inc()
	log.Debug().Int64("bytes", n).Msg("artifact served")
}

func (s *Server) lookupFailed(w http.ResponseWriter, log zerolog.Logger, endpoint string, err error) {
	if errors.Is(err, ErrNotFound) {
		log.Debug().Err(err).Msg("request did not resolve")
		s.notFound(w, endpoint)
		return
	}
	log.Error().Err(err).Msg("resolve request")
	s.failed(w, endpoint)
}

func (s *Server) deny(w http.ResponseWriter, endpoint string, err error) {
	outcome := outcomeFailed
	switch s.auth.Deny(w, err) {
	case http.StatusUnauthorized:
		outcome = outcomeUnauthorized
	case http.StatusForbidden:
		outcome = outcomeForbidden
	}
	s.metrics.Downloads.WithLabelValues(endpoint, outcome).Inc()
}

func (s *Server) notFound(w http.ResponseWriter, endpoint string) {
	s.metrics.Downloads.WithLabelValues(endpoint, outcomeNotFound).Inc()
	http.Error(w, "Not found", http.StatusNotFound)
}

func (s *Server) failed(w http.ResponseWriter, endpoint string) {
	s.metrics.Downloads.WithLabelValues(endpoint, outcomeFailed).Inc()
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
