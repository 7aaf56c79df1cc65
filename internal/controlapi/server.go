// Package controlapi implements ControlAPI (spec §4.8, §6.3): the HTTP
// surface operators and the UI use to list jobs, stream change-feed
// events, accept uploads into the inbox, and issue operator actions.
// Grounded on the teacher's internal/server.JobServer and
// internal/scheduler.Server — two incompatible half-built net/http mux
// servers for job intake — unified here into a single chi.Router package
// with the full endpoint surface spec §4.8 requires.
package controlapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/changefeed"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/heartbeat"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
)

// Canceller is the subset of stageengine.Engine ControlAPI needs to stop
// in-flight work for a job (spec §5: "operator actions cancel/halt signal
// the token").
type Canceller interface {
	Cancel(fileStem string)
}

// Server is ControlAPI.
type Server struct {
	store   store.Store
	feed    *changefeed.Feed
	cancel  Canceller
	hb      *heartbeat.Publisher
	layout  layout.Layout
	cfg     *config.Config
	log     zerolog.Logger
	started time.Time

	router chi.Router
}

func New(st store.Store, feed *changefeed.Feed, cancel Canceller, hb *heartbeat.Publisher, lay layout.Layout, cfg *config.Config, log zerolog.Logger) *Server {
	s := &Server{
		store:   st,
		feed:    feed,
		cancel:  cancel,
		hb:      hb,
		layout:  lay,
		cfg:     cfg,
		log:     log,
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the assembled http.Handler (cmd/orchestratord wires this
// into an *http.Server).
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/stream", s.handleStreamJobs)
		r.Get("/jobs/{file_stem}", s.handleGetJob)
		r.Post("/upload", s.handleUpload)
		r.Post("/action", s.handleAction)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("controlapi: request")
	})
}

// authMiddleware enforces the optional bearer token when bound to a
// non-loopback address. It wraps every route in its group: the mutating
// endpoints and also GET /jobs, /jobs/stream and /jobs/{file_stem}. A
// loopback bind is trusted implicitly since only local operators can reach it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || isLoopbackAddr(s.cfg.BindAddr) {
			next.ServeHTTP(w, r)
			return
		}
		want := "Bearer " + s.cfg.AdminToken
		if got := r.Header.Get("Authorization"); got != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(bindAddr string) bool {
	host, _, err := net.SplitHostPort(bindAddr)
	if err != nil {
		host = bindAddr
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, strings.TrimSpace(msg), status)
}
