// Package report serves the analysis results of recorded sessions: a JSON
// API for export and overlay feeds, plus rendered charts and plots for
// quick visual inspection without a frontend.
package report

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flightline-data/figure.report/internal/flight"
	"github.com/flightline-data/figure.report/internal/flightdb"
	"github.com/flightline-data/figure.report/internal/httputil"
	"github.com/flightline-data/figure.report/internal/version"
)

// Server handles the HTTP report interface for analyzed sessions.
type Server struct {
	address string
	db      *flightdb.DB
	lib     *flight.Library
	log     zerolog.Logger
	server  *http.Server
}

// ServerConfig contains configuration options for the report server.
type ServerConfig struct {
	Address string
	DB      *flightdb.DB
	Library *flight.Library
	Log     zerolog.Logger
}

// NewServer creates a report server over a session database.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		address: config.Address,
		db:      config.DB,
		lib:     config.Library,
		log:     config.Log,
	}
	if s.lib == nil {
		s.lib = flight.DefaultLibrary()
	}
	s.server = &http.Server{
		Addr:    s.address,
		Handler: s.setupRoutes(),
	}
	return s
}

// Handler exposes the route mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins the HTTP server in a goroutine and shuts down gracefully
// when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.log.Info().Str("address", s.address).Msg("starting report server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Fatal().Err(err).Msg("failed to start report server")
		}
	}()

	<-ctx.Done()
	s.log.Info().Msg("shutting down report server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("report server shutdown error")
		if err := s.server.Close(); err != nil {
			s.log.Warn().Err(err).Msg("report server force close error")
		}
	}
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionSubpath)
	mux.HandleFunc("/charts/sessions/", s.handleSessionChart)
	mux.HandleFunc("/plots/sessions/", s.handleSessionPlot)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := version.Info()
	body["status"] = "ok"
	httputil.WriteJSONOK(w, body)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sessions, err := s.db.ListSessions()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list sessions")
		httputil.InternalServerError(w, "failed to list sessions")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"sessions": sessions})
}

// handleSessionSubpath dispatches /api/sessions/{session_id}/{resource}.
func (s *Server) handleSessionSubpath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	sessionID, resource := parseSessionPath(r.URL.Path, "/api/sessions/")
	if sessionID == "" {
		httputil.BadRequest(w, "missing session_id in path")
		return
	}

	session, err := s.db.GetSession(sessionID)
	if err == flightdb.ErrSessionNotFound {
		httputil.NotFound(w, "session not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session")
		httputil.InternalServerError(w, "failed to load session")
		return
	}

	switch resource {
	case "":
		httputil.WriteJSONOK(w, session)
	case "results":
		s.handleSessionResults(w, session)
	case "track":
		s.handleSessionTrack(w, session)
	case "segments":
		s.handleSessionSegments(w, session)
	default:
		httputil.NotFound(w, "endpoint not found")
	}
}

func (s *Server) handleSessionResults(w http.ResponseWriter, session *flightdb.Session) {
	results, err := s.db.Results(session.ID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to load results")
		httputil.InternalServerError(w, "failed to load results")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"session_id": session.ID,
		"results":    results,
	})
}

// handleSessionTrack serves the reconstructed track as an overlay feed
// snapshot: ordered scaled 3D positions with their source pixels.
func (s *Server) handleSessionTrack(w http.ResponseWriter, session *flightdb.Session) {
	points, err := s.db.TrackPoints(session.ID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to load track")
		httputil.InternalServerError(w, "failed to load track")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"session_id":      session.ID,
		"flight_radius_m": session.FlightRadiusM,
		"count":           len(points),
		"points":          points,
	})
}

func (s *Server) handleSessionSegments(w http.ResponseWriter, session *flightdb.Session) {
	segments, err := s.db.Segments(session.ID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to load segments")
		httputil.InternalServerError(w, "failed to load segments")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"session_id": session.ID,
		"segments":   segments,
	})
}

// parseSessionPath extracts session_id and the remaining resource from
// {prefix}{session_id}/{resource}.
func parseSessionPath(path, prefix string) (sessionID, resource string) {
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == path {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	sessionID = parts[0]
	if len(parts) == 2 {
		resource = parts[1]
	}
	return sessionID, resource
}
