// Package httpapi exposes the reconciler's read-only health/metrics surface
// plus an on-demand consistency-check endpoint, mirroring the teacher's
// server package's mux wiring and JSON helpers.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/echodb/automirror/internal/stats"
	"github.com/echodb/automirror/internal/verifier"
)

// runningState reports whether the process considers itself alive, backing
// /health independent of /ready's stricter "session connected" check.
type runningState interface {
	Running() bool
}

// verifyChecker is the slice of *verifier.Verifier this package depends on.
type verifyChecker interface {
	Check(ctx context.Context, schema, table string) (verifier.ConsistencyReport, error)
}

// Server serves the health/metrics/verify HTTP surface.
type Server struct {
	stats    *stats.Aggregate
	running  runningState
	verifier verifyChecker
	logger   zerolog.Logger
	hub      *Hub
	srv      *http.Server
}

// New creates a Server. running may be nil, in which case /health always
// reports ok (the process wouldn't be serving HTTP otherwise). verifier may
// be nil, in which case POST /verify returns 503.
func New(st *stats.Aggregate, running runningState, vf verifyChecker, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "httpapi").Logger()
	return &Server{
		stats:    st,
		running:  running,
		verifier: vf,
		logger:   logger,
		hub:      newHub(st, logger),
	}
}

// Start begins serving on port and blocks until ctx is cancelled or the
// server errors out.
func (s *Server) Start(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.run(ctx)

	s.logger.Info().Int("port", port).Msg("starting http api")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.running != nil && !s.running.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	if s.running != nil && !s.running.Running() {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	if !snap.Connected {
		http.Error(w, "session not connected", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.Snapshot())
}

type verifyRequest struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		http.Error(w, "verifier not configured", http.StatusServiceUnavailable)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Schema == "" || req.Table == "" {
		http.Error(w, "schema and table are required", http.StatusBadRequest)
		return
	}

	report, err := s.verifier.Check(r.Context(), req.Schema, req.Table)
	if err != nil {
		s.logger.Err(err).Str("schema", req.Schema).Str("table", req.Table).Msg("on-demand verify failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
