// Package frontend exposes the dispatcher core over JSON-over-HTTP: the
// run/jobinfo/jobstatus/listjobs/halt/retry/loadconf/ping/stats surface,
// routed through an explicit action registry rather than reflection over
// method names, with /healthz and /metrics mounted alongside.
package frontend

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/dispatcher"
	"github.com/pogo-fleet/pogo/pkg/metrics"
)

// Server is the JSON-over-HTTP front end bound to one Dispatcher.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	logger     zerolog.Logger
	http       *http.Server
}

// NewServer builds a Server listening on bind.
func NewServer(bind string, d *dispatcher.Dispatcher) *Server {
	s := &Server{dispatcher: d, logger: log.WithComponent("frontend")}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/", s.dispatchAction)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.recoverMiddleware(h)
	h = s.accessLogMiddleware(h)

	s.http = &http.Server{
		Addr:              bind,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Serve blocks accepting connections until Shutdown is called.
func (s *Server) Serve() error {
	s.logger.Info().Str("bind", s.http.Addr).Msg("frontend listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the HTTP server immediately: listeners and active
// connections are closed without waiting for in-flight requests to finish.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.dispatcher.Healthy(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "Internal", "coordination store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).Msg("request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered panic in handler")
				writeError(w, http.StatusInternalServerError, "Internal", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
