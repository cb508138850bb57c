// Package api serves the controller's report over HTTP. Handlers never
// touch the controller directly: they read the report the tick loop last
// published and queue resets for the loop to apply between ticks.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/traficon/internal/config"
	"github.com/banshee-data/traficon/internal/db"
	"github.com/banshee-data/traficon/internal/httputil"
	"github.com/banshee-data/traficon/internal/intersection"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/version"
)

// ANSI escape codes for status colouring in request logs
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Loop is the part of the tick loop the API may use concurrently.
// *intersection.Runner implements it.
type Loop interface {
	Latest() intersection.Report
	RequestReset()
}

type Server struct {
	loop  Loop
	cfg   *config.SignalConfig
	db    *db.DB // optional transition log
	runID string
}

// NewServer returns a server for loop. database may be nil, in which case
// the run endpoints answer 404.
func NewServer(loop Loop, cfg *config.SignalConfig, database *db.DB, runID string) *Server {
	return &Server{loop: loop, cfg: cfg, db: database, runID: runID}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
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

// LoggingMiddleware logs method, path, status and duration
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

// ServeMux returns the API routes, plus the /debug/ pages when a
// transition log is attached.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/reset", s.reset)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRun)
	if s.db != nil {
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("api: debug routes disabled: %v", err)
		}
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(s.ServeMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	monitoring.Logf("api: listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.loop.Latest())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.loop.RequestReset()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"run_id":     s.runID,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "transition log disabled")
		return
	}
	runs, err := s.db.Runs()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// showRun serves /api/runs/{id} and /api/runs/{id}/transitions.
func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "transition log disabled")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "current" {
		id = s.runID
	}
	if id == "" {
		httputil.BadRequest(w, "missing run id")
		return
	}

	run, err := s.db.Run(id)
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch sub {
	case "":
		httputil.WriteJSONOK(w, run)
	case "transitions":
		ts, err := s.db.Transitions(id)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ts == nil {
			ts = []db.Transition{}
		}
		httputil.WriteJSONOK(w, ts)
	default:
		httputil.NotFound(w, "unknown run resource "+sub)
	}
}
