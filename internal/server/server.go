package server

import (
	"log/slog"
	"net/http"
	"time"

	"talkready/internal/auth"
	"talkready/internal/metrics"
	"talkready/internal/practice"
	"talkready/internal/session"
)

const defaultMaxUploadBytes = 25 << 20

type Deps struct {
	Sessions *session.Manager
	Practice *practice.Service
	// Auth is optional; without it every caller is admitted.
	Auth           *auth.Service
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	MaxUploadBytes int64
	// ReportLocation picks the calendar day for daily reports. Defaults to UTC.
	ReportLocation *time.Location
}

// Server is the HTTP API over sessions, speaking tests and reports.
type Server struct {
	sessions  *session.Manager
	practice  *practice.Service
	auth      *auth.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger
	maxUpload int64
	reportLoc *time.Location
	mux       *http.ServeMux
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = defaultMaxUploadBytes
	}
	if d.ReportLocation == nil {
		d.ReportLocation = time.UTC
	}
	s := &Server{
		sessions:  d.Sessions,
		practice:  d.Practice,
		auth:      d.Auth,
		metrics:   d.Metrics,
		logger:    d.Logger,
		maxUpload: d.MaxUploadBytes,
		reportLoc: d.ReportLocation,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, named(pattern, h))
}

func (s *Server) routes() {
	s.handle("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", named("GET /metrics", s.metrics.Handler().ServeHTTP))

	s.handle("POST /api/sessions", s.handleStartSession)
	s.handle("GET /api/sessions/{id}", s.handleGetSession)
	s.handle("POST /api/sessions/{id}/messages", s.handleSendMessage)
	s.handle("POST /api/sessions/{id}/audio", s.handleSubmitAudio)
	s.handle("POST /api/sessions/{id}/retry", s.handleRetry)
	s.handle("POST /api/sessions/{id}/end", s.handleEnd)
	s.handle("GET /api/sessions/{id}/analysis", s.handleAnalysis)
	s.handle("GET /api/sessions/{id}/live", s.handleLive)
	s.handle("GET /api/scenarios", s.handleScenarios)

	if s.practice != nil {
		s.handle("POST /api/tests", s.handleNewTest)
		s.handle("GET /api/tests/{id}", s.handleGetTest)
		s.handle("POST /api/tests/{id}/audio", s.handleSubmitTest)
	}

	s.handle("GET /api/reports/daily", s.handleDailyReport)
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.auth != nil {
		h = s.auth.Middleware("/healthz", "/metrics")(h)
	}
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, s.metrics, h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
