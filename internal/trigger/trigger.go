// Package trigger exposes the cycle-execution entry point over HTTP. The
// trigger is expected to be an external scheduled invocation (cron, a
// workflow runner); it must be safe to call more often than the intended
// cadence, since a cycle with nothing due is a successful no-op.
package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cardwatch/internal/syncer"
)

// CycleRunner executes one orchestration cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (syncer.CycleReport, error)
}

// Options configure the trigger server.
type Options struct {
	ListenAddr   string
	AuthToken    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the authenticated trigger and health endpoints.
type Server struct {
	opts   Options
	runner CycleRunner
	logger zerolog.Logger
}

// NewServer constructs a trigger server.
func NewServer(opts Options, runner CycleRunner, logger zerolog.Logger) *Server {
	return &Server{
		opts:   opts,
		runner: runner,
		logger: logger.With().Str("component", "trigger").Logger(),
	}
}

// Handler builds the chi route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", s.handleHealth)
		r.Get("/ready", s.handleHealth)
	})

	r.Route("/api/v1/cycles", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleRunCycle)
	})

	return r
}

// ListenAndServe blocks serving the trigger surface until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("trigger endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// authenticate rejects calls without the configured bearer token. An
// unconfigured token rejects everything: the trigger surface never runs
// open.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.opts.AuthToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected unauthenticated trigger call")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunCycle runs one cycle synchronously and returns the report. A
// partially-failed batch is still a 200: per-source outcomes live in the
// report, only a cycle-level catastrophic error is a 500.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.runner.RunCycle(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("cycle aborted")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
