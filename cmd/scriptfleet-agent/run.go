package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scriptfleet/scriptfleet/internal/agent"
	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/internal/websocket"
	"github.com/scriptfleet/scriptfleet/pkg/health"
	"github.com/scriptfleet/scriptfleet/pkg/log"
	"github.com/scriptfleet/scriptfleet/pkg/metrics"
	"github.com/scriptfleet/scriptfleet/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the orchestrator and serve dispatches until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(configFile)
	},
}

func runAgent(path string) error {
	cfg, err := agent.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Endpoint == "" {
		return errors.New(agent.EnvPrefix + "ENDPOINT is required")
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	mainLogger := logger.With().Str("component", "main").Logger()
	mainLogger.Info().
		Str("version", version).
		Str("endpoint", cfg.Endpoint).
		Int("max_concurrent_jobs", cfg.MaxConcurrentJobs).
		Msg("Starting Scriptfleet agent")

	m := metrics.NewMetrics()

	var tracer *tracing.Tracer
	if cfg.TracingEnabled {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    tracing.DefaultServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.TracingEndpoint,
			Insecure:       cfg.TracingInsecure,
			SampleRate:     1.0,
			Environment:    cfg.Environment,
			Enabled:        true,
		})
		if err != nil {
			mainLogger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			mainLogger.Info().Str("endpoint", cfg.TracingEndpoint).Str("environment", cfg.Environment).Msg("Tracing initialized")
		}
	}

	var journal *agent.Journal
	if cfg.StateDir != "" {
		journal, err = agent.OpenJournal(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
	}

	agnt, err := agent.New(agent.Options{
		Config:    cfg,
		Engine:    executor.NewSubprocessEngine(cfg.ScriptInterpreter, cfg.ScriptCheckArgs, cfg.WorkDir, logger),
		Documents: executor.NewFileDocuments(logger),
		Logger:    logger,
		Metrics:   m.Agent,
		Journal:   journal,
		Monitor:   agent.NewMonitor(logger),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx, agnt)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health.Handler(health.NewSessionCheck(agnt)))
	mux.Handle("/events", websocket.NewHandler(hub, agnt, logger))

	server := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      log.HTTPMiddleware(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		mainLogger.Info().Str("address", server.Addr).Msg("Starting local HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLogger.Error().Err(err).Msg("Local HTTP server error")
		}
	}()

	go superviseConnection(ctx, agnt, agent.ConnectOptions{Endpoint: cfg.Endpoint}, mainLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	mainLogger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := agnt.Close(shutdownCtx); err != nil {
		mainLogger.Error().Err(err).Msg("Jobs still running at shutdown")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error().Err(err).Msg("Local HTTP server shutdown error")
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			mainLogger.Error().Err(err).Msg("Tracer shutdown error")
		}
	}

	mainLogger.Info().Msg("Agent shutdown complete")
	return nil
}

// superviseConnection keeps the agent connected until ctx is cancelled. A
// failed handshake is retried on the reconnect delay table, and once a
// session gives up reconnecting the supervisor starts over.
func superviseConnection(ctx context.Context, agnt *agent.Agent, opts agent.ConnectOptions, logger zerolog.Logger) {
	events, unsubscribe := agnt.Subscribe(64)
	defer unsubscribe()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		if !connectWithRetry(ctx, agnt, opts, logger) {
			return
		}

		// Events only wake the loop; the current status decides. The ticker
		// covers a status change dropped by a full subscription.
		for agnt.ConnectionStatus() != string(agent.StatusOffline) {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-ticker.C:
			}
		}
		logger.Warn().Msg("Session ended, starting a new connection")
	}
}

func connectWithRetry(ctx context.Context, agnt *agent.Agent, opts agent.ConnectOptions, logger zerolog.Logger) bool {
	for attempt := 1; ; attempt++ {
		if _, err := agnt.Connect(ctx, opts); err == nil {
			return true
		}

		delay := agent.ReconnectDelay(attempt)
		logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Connect failed, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}
