// Package api serves the live pipeline state and recorded sessions as JSON.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/eeg.report/internal/config"
	"github.com/banshee-data/eeg.report/internal/db"
	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/httputil"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/pipeline"
	"github.com/banshee-data/eeg.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxSpectraLimit caps /api/spectra page size.
const maxSpectraLimit = 10000

type Server struct {
	pipeline *pipeline.Pipeline
	db       *db.DB
	cfg      *config.PipelineConfig

	mu        sync.RWMutex
	sessionID string
}

// NewServer returns a Server over p. database may be nil, in which case the
// session endpoints report 503.
func NewServer(p *pipeline.Pipeline, database *db.DB, cfg *config.PipelineConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	return &Server{pipeline: p, db: database, cfg: cfg}
}

// SetSession records the session currently being written, used when a
// request names no session.
func (s *Server) SetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

func (s *Server) currentSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/spectrum/latest", s.latestSpectrum)
	mux.HandleFunc("/api/sample/latest", s.latestSample)
	mux.HandleFunc("/api/buffer", s.buffer)
	mux.HandleFunc("/api/spectra", s.listSpectra)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) latestSpectrum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rec, ok := s.pipeline.LatestSpectrum()
	if !ok {
		httputil.NotFound(w, "no spectrum computed yet")
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) latestSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rec, ok := s.pipeline.Latest()
	if !ok {
		httputil.NotFound(w, "no record emitted yet")
		return
	}
	httputil.WriteJSONOK(w, rec.Sample)
}

// buffer returns the samples currently in the analysis window, oldest first.
func (s *Server) buffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.pipeline.Buffered())
}

// sessionParam resolves the session query parameter, falling back to the
// session being recorded and then the most recent one.
func (s *Server) sessionParam(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	if id := s.currentSession(); id != "" {
		return id, nil
	}
	latest, err := s.db.LatestSession()
	if err != nil {
		return "", err
	}
	return latest.ID, nil
}

func (s *Server) listSpectra(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = min(n, maxSpectraLimit)
	}

	id, err := s.sessionParam(r)
	if err != nil {
		s.dbError(w, err)
		return
	}
	if _, err := s.db.Session(id); err != nil {
		s.dbError(w, err)
		return
	}
	spectra, err := s.db.Spectra(id, limit)
	if err != nil {
		s.dbError(w, err)
		return
	}
	if spectra == nil {
		spectra = []pipeline.Record{}
	}
	httputil.WriteJSONOK(w, map[string]any{
		"session": id,
		"spectra": spectra,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	sessions, err := s.db.Sessions(100)
	if err != nil {
		s.dbError(w, err)
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	pipeline.Stats
	Session *db.SessionCounts `json:"session,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := StatsResponse{Stats: s.pipeline.Stats()}
	if id := s.currentSession(); id != "" && s.db != nil {
		counts, err := s.db.Counts(id)
		if err != nil {
			s.dbError(w, err)
			return
		}
		resp.Session = &counts
	}
	httputil.WriteJSONOK(w, resp)
}

// ConfigResponse is the effective pipeline configuration.
type ConfigResponse struct {
	SampleRateHz   float64 `json:"sample_rate_hz"`
	BufferCapacity int     `json:"buffer_capacity"`
	AnalysisStride int     `json:"analysis_stride"`
	FilterLowHz    float64 `json:"filter_low_hz"`
	FilterHighHz   float64 `json:"filter_high_hz"`
	FilterOrder    int     `json:"filter_order"`
	RawOnly        bool    `json:"raw_only"`
	Bands          []dsp.FrequencyBand `json:"bands"`
	BaudRate       int     `json:"baud_rate"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	opts := s.pipeline.Options()
	httputil.WriteJSONOK(w, ConfigResponse{
		SampleRateHz:   opts.SampleRate,
		BufferCapacity: opts.BufferCapacity,
		AnalysisStride: opts.AnalysisStride,
		FilterLowHz:    opts.FilterLow,
		FilterHighHz:   opts.FilterHigh,
		FilterOrder:    opts.FilterOrder,
		RawOnly:        opts.RawOnly,
		Bands:          opts.Bands,
		BaudRate:       s.cfg.GetBaudRate(),
	})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) dbError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	monitoring.Logf("api: database error: %v", err)
	httputil.InternalServerError(w, "database error")
}
