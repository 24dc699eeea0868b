// Package main provides the CLI entry point for the Quill agent runtime.
//
// Quill serves an OpenAI-compatible chat completions endpoint backed by a
// local llama.cpp-style inference server, adding a tool-calling agent loop,
// persistent sessions, background jobs, and per-user auth on top.
//
// # Basic Usage
//
// Start the server:
//
//	quill serve --config quill.yaml
//
// # Environment Variables
//
//   - QUILL_PORT: HTTP listen port (default: 10007)
//   - QUILL_BACKEND_HOST: inference backend base URL (default: http://localhost:5905)
//   - QUILL_JWT_SECRET: JWT signing secret
//   - QUILL_ADMIN_PASSWORD: password for the seeded admin account
//   - QUILL_DATA_DIR: data directory (default: data)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/auth"
	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/jobs"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/observability"
	"github.com/quillhq/quill/internal/server"
	"github.com/quillhq/quill/internal/sessions"
	"github.com/quillhq/quill/internal/stopsignal"
	"github.com/quillhq/quill/internal/tools"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "quill",
		Short:        "Quill - self-hosted LLM agent runtime",
		Long:         "Quill serves an OpenAI-compatible chat endpoint with a tool-calling agent loop,\npersistent sessions, and background jobs, backed by a local inference server.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Quill server",
		Long: `Start the Quill server.

The server will:
1. Load configuration from the specified file (or defaults)
2. Open the metadata database and data directories
3. Register the agent tools and compile their schemas
4. Probe the inference backend
5. Serve the HTTP API until SIGINT/SIGTERM`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("QUILL_CONFIG"),
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := sessions.OpenDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	docs, err := sessions.NewDocStore(cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("open session docs: %w", err)
	}
	sessionStore := sessions.NewStore(db, docs, cfg.Agent.MaxConversationHistory)

	jobStore, err := jobs.NewStore(cfg.JobsDir())
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	registry, err := tools.DefaultRegistry(cfg)
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	backend := llm.NewInterceptor(
		llm.NewBackend(cfg.Backend.Host, cfg.Backend.APIKey, cfg.Backend.RequestTimeout),
		cfg.PromptsLogPath(),
		metrics,
	)

	stop := stopsignal.New(cfg.StopFilePath())
	prompts := agent.NewPromptCache(cfg.Agent.SystemPromptPath, registry)
	go prompts.Watch(ctx, logger)

	executor := agent.NewExecutor(registry, &agent.ExecutorConfig{
		MaxConcurrency: cfg.Tools.MaxConcurrency,
		Timeout:        cfg.Tools.Timeout,
	}, metrics)
	compactor := agent.NewCompactor(cfg.Tools.ResultBudgets, agent.NewOverflowStore(cfg.ToolResultsDir()))

	// The rag tool resolves collections per user; without it the static
	// config list stands in.
	var collections agent.CollectionSource = agent.CollectionList(cfg.Tools.RAGCollections)
	if t, ok := registry.Get("rag"); ok {
		if rag, ok := t.(*tools.RAG); ok {
			collections = rag
		}
	}

	loop := agent.NewLoop(backend, registry, executor, compactor, prompts, stop,
		collections, &agent.LoopConfig{
			MaxIterations:     cfg.Agent.MaxIterations,
			HotTailIterations: cfg.Agent.HotTailIterations,
		}, logger, metrics)

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.JWTExpiry())
	authService := auth.NewService(jwtService, db, logger)
	if err := authService.EnsureAdmin(ctx, cfg.Auth.DefaultAdminUsername, cfg.Auth.DefaultAdminPassword); err != nil {
		return err
	}

	runner := jobs.NewRunner(jobStore, sessionStore, loop, logger, metrics)

	srv := server.New(server.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Backend:  backend,
		Registry: registry,
		Loop:     loop,
		Prompts:  prompts,
		Sessions: sessionStore,
		Jobs:     jobStore,
		Runner:   runner,
		Auth:     authService,
		Stop:     stop,
	})
	return srv.Start(ctx)
}
