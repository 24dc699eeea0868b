// Package server exposes the HTTP surface: the OpenAI-compatible chat
// endpoint, session and job management, auth, admin controls, and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/jobs"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/internal/stopsignal"
	"github.com/quillhq/quill/internal/tools"
)

// Server wires every component behind one HTTP listener.
type Server struct {
	config   *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	backend  llm.Client
	registry *tools.Registry
	loop     *agent.Loop
	prompts  *agent.PromptCache
	sessions *sessions.Store
	jobs     *jobs.Store
	runner   *jobs.Runner
	auth     *auth.Service
	authMW   *auth.Middleware
	stop     *stopsignal.Signal

	httpServer *http.Server
	startTime  time.Time
}

// Options carries the dependencies the server does not own.
type Options struct {
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Backend  llm.Client
	Registry *tools.Registry
	Loop     *agent.Loop
	Prompts  *agent.PromptCache
	Sessions *sessions.Store
	Jobs     *jobs.Store
	Runner   *jobs.Runner
	Auth     *auth.Service
	Stop     *stopsignal.Signal
}

// New assembles the server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		config:    opts.Config,
		logger:    logger,
		metrics:   opts.Metrics,
		backend:   opts.Backend,
		registry:  opts.Registry,
		loop:      opts.Loop,
		prompts:   opts.Prompts,
		sessions:  opts.Sessions,
		jobs:      opts.Jobs,
		runner:    opts.Runner,
		auth:      opts.Auth,
		authMW:    auth.NewMiddleware(opts.Auth),
		stop:      opts.Stop,
		startTime: time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.HandleFunc("POST /api/jobs", s.handleJobCreate)
	mux.HandleFunc("GET /api/jobs", s.handleJobList)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobGet)
	mux.HandleFunc("GET /api/jobs/{id}/stream", s.handleJobStream)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleJobCancel)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleJobDelete)

	mux.HandleFunc("GET /api/chat/sessions", s.handleSessionList)
	mux.HandleFunc("PATCH /api/chat/sessions/{id}", s.handleSessionRename)
	mux.HandleFunc("DELETE /api/chat/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /api/chat/history/{id}", s.handleSessionHistory)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)

	mux.Handle("GET /api/admin/stop-inference", s.authMW.RequireAdmin(http.HandlerFunc(s.handleStopStatus)))
	mux.Handle("POST /api/admin/stop-inference", s.authMW.RequireAdmin(http.HandlerFunc(s.handleStopInference)))
	mux.Handle("DELETE /api/admin/stop-inference", s.authMW.RequireAdmin(http.HandlerFunc(s.handleClearStop)))

	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withMiddleware(mux)
}

// Start runs startup housekeeping and serves until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startup(ctx)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info(ctx, "starting http server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// startup clears a stale stop flag, garbage-collects expired sessions and
// jobs, and probes the backend. None of it is fatal.
func (s *Server) startup(ctx context.Context) {
	if err := s.stop.Clear(); err != nil {
		s.logger.Warn(ctx, "stop flag clear failed", "error", err.Error())
	}
	if n := s.sessions.Cleanup(ctx, s.config.Data.SessionTTLDays); n > 0 {
		s.logger.Info(ctx, "expired sessions removed", "count", n)
	}
	cutoff := time.Now().AddDate(0, 0, -s.config.Data.JobTTLDays)
	if n := s.jobs.CleanupOlderThan(cutoff); n > 0 {
		s.logger.Info(ctx, "expired jobs removed", "count", n)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !s.backend.IsAvailable(probeCtx) {
		s.logger.Warn(ctx, "inference backend unreachable", "host", s.config.Backend.Host)
	} else {
		s.logger.Info(ctx, "inference backend ready", "host", s.config.Backend.Host)
	}
}
