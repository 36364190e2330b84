// Package server accepts source-control events over HTTP and exposes run
// results, job logs and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/davarch/ci-runner/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxEventBytes = 1 << 20

// Runs is the run lifecycle the server drives.
type Runs interface {
	Submit(ctx context.Context, ev domain.Event) (string, error)
	Report(runID string) (domain.RunReport, bool)
	Cancel(runID string) bool
}

type Logs interface {
	Get(runID, job string) ([]byte, error)
	HTML(runID, job string) ([]byte, error)
}

type Server struct {
	log  *zap.Logger
	runs Runs
	logs Logs
}

func New(l *zap.Logger, runs Runs, logs Logs) *Server {
	return &Server{log: l, runs: runs, logs: logs}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/events", s.postEvent)
	r.Route("/runs/{run}", func(r chi.Router) {
		r.Get("/", s.getRun)
		r.Delete("/", s.cancelRun)
		r.Get("/jobs/{job}/log", s.getLog)
		r.Get("/jobs/{job}/log.html", s.getLogHTML)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.runs.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, domain.ErrNotAdmitted):
		writeJSON(w, http.StatusOK, map[string]any{"admitted": false, "reason": err.Error()})
		return
	case errors.Is(err, domain.ErrInvalidPipeline):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		s.log.Error("submit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Location", "/runs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]any{"admitted": true, "run_id": id})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	report, ok := s.runs.Report(chi.URLParam(r, "run"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.runs.Cancel(chi.URLParam(r, "run")) {
		writeError(w, http.StatusNotFound, errors.New("no run in flight"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	b, err := s.logs.Get(chi.URLParam(r, "run"), chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *Server) getLogHTML(w http.ResponseWriter, r *http.Request) {
	b, err := s.logs.HTML(chi.URLParam(r, "run"), chi.URLParam(r, "job"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<pre class="term-container">`))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("</pre>\n"))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
