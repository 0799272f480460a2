package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rand/asc/internal/actions"
	"github.com/rand/asc/internal/auth"
	"github.com/rand/asc/internal/beads"
	"github.com/rand/asc/internal/database"
	"github.com/rand/asc/internal/heartbeat"
	"github.com/rand/asc/internal/lease"
	"github.com/rand/asc/internal/logging"
	"github.com/rand/asc/internal/metrics"
	"github.com/rand/asc/internal/orchestrator"
	"github.com/rand/asc/internal/playbook"
	"github.com/rand/asc/internal/provider"
	"github.com/rand/asc/internal/telemetry"
	"github.com/rand/asc/pkg/config"
)

const (
	leaseTokenTTL   = time.Hour
	shutdownTimeout = 10 * time.Second
)

func newRunCommand() *cobra.Command {
	var phases string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop until interrupted",
		Example: `  AGENT_NAME=tester AGENT_PHASES=testing asc-agent run
  asc-agent run --config agent.yaml --phases implementation,refactoring`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if phases != "" {
				cfg.Agent.Phases = config.ParsePhases(phases)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&phases, "phases", "", "Comma-separated phases to work (overrides AGENT_PHASES)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config) error {
	name := cfg.Agent.Name

	var logDB *sql.DB
	if cfg.Logging.DatabaseDSN != "" {
		db, err := database.OpenPostgres(cfg.Logging.DatabaseDSN)
		if err != nil {
			log.Printf("Warning: log persistence disabled: %v", err)
		} else {
			logDB = db
			defer db.Close()
		}
	}
	logMgr, err := logging.NewManager(logging.Options{
		AgentName: name,
		Dir:       cfg.Logging.Dir,
		Level:     cfg.Logging.Level,
		Quiet:     cfg.Logging.Quiet,
		DB:        logDB,
	})
	if err != nil {
		return fmt.Errorf("failed to create log manager: %w", err)
	}
	defer logMgr.Close()
	logMgr.InstallLogInterceptor()

	log.Printf("Starting asc-agent %s", version)
	log.Printf("  Agent: %s", name)
	log.Printf("  Model: %s", cfg.Agent.Model)
	log.Printf("  Phases: %v", cfg.Agent.Phases)
	log.Printf("  Coordination server: %s", cfg.MCP.URL)
	log.Printf("  Beads: %s", cfg.Beads.DBPath)

	shutdownTelemetry, err := telemetry.Init(ctx, "asc-agent-"+name, version, cfg.Telemetry.OTelEndpoint)
	if err != nil {
		log.Printf("Warning: OTel init failed: %v", err)
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	backend, err := provider.New(cfg.Agent.Model, cfg.Providers, cfg.Agent.RetryAttempts)
	if err != nil {
		return fmt.Errorf("failed to create generation backend: %w", err)
	}

	m := metrics.NewMetrics(name)

	var tokens lease.TokenSource
	if cfg.MCP.JWTSecret != "" {
		tokens = auth.NewTokenSource(cfg.MCP.JWTSecret, name, leaseTokenTTL)
	}
	leases := lease.NewCoordinator(lease.NewHTTPBroker(cfg.MCP.URL, tokens), name, cfg.MCP.LeaseTimeout)
	leases.SetObserver(m)

	storage, closeStorage, err := openPlaybookStorage(ctx, cfg.Playbook)
	if err != nil {
		return err
	}
	defer closeStorage()
	store := playbook.NewStore(ctx, name, storage, playbook.Options{MaxLessons: cfg.Playbook.MaxLessons})
	m.LessonCount(store.Len())

	sender, err := heartbeat.NewSender(cfg.Heartbeat, cfg.MCP.URL)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat sender: %w", err)
	}
	reporter := heartbeat.NewReporter(name, sender, heartbeat.Options{
		Interval:   cfg.Heartbeat.Interval,
		MaxBackoff: cfg.Heartbeat.MaxBackoff,
	})
	if err := reporter.Start(ctx); err != nil {
		return err
	}
	defer reporter.Stop()

	loop, err := orchestrator.NewPhaseLoop(name, orchestrator.Deps{
		Tasks:    beads.NewClient(cfg.Beads.BDPath, cfg.Beads.DBPath, cfg.Beads.Timeout),
		Leases:   leases,
		Backend:  backend,
		Executor: actions.NewExecutor(cfg.Agent.WorkDir),
		Playbook: store,
		Status:   reporter,
		Recorder: m,
	}, orchestrator.Options{
		Phases:       cfg.Agent.Phases,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		TopK:         cfg.Agent.TopKLessons,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Reflect:      cfg.Agent.Reflect,
	})
	if err != nil {
		return err
	}

	var server *http.Server
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		handlers := &orchestrator.StatusHandlers{
			Agent:     name,
			Model:     cfg.Agent.Model,
			Loop:      loop,
			Heartbeat: reporter,
			Stats:     store.Stats,
			Logs:      logMgr,
		}
		handlers.RegisterHandlers(mux)

		server = &http.Server{
			Addr:    addr,
			Handler: otelhttp.NewHandler(mux, "asc-agent-http"),
		}
		go func() {
			log.Printf("Status endpoint listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			log.Printf("Warning: config hot reload disabled: %v", err)
		} else {
			watcher.OnReload(func(nc *config.Config) error {
				if len(nc.Agent.Phases) == 0 {
					return fmt.Errorf("reloaded config has no phases, keeping %v", loop.Phases())
				}
				loop.SetPhases(nc.Agent.Phases)
				logMgr.SetLevel(nc.Logging.Level)
				return nil
			})
			if err := watcher.Start(); err != nil {
				log.Printf("Warning: config hot reload disabled: %v", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	runErr := orchestrator.NewRunner(loop, reporter, cfg.Agent.PollInterval, cfg.Agent.ErrorBackoff).Run(ctx)

	log.Println("Shutting down agent...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}
	if stats := backend.Stats(); stats.RequestCount > 0 {
		log.Printf("Generation usage: %d requests, %d tokens, $%.4f", stats.RequestCount, stats.TotalTokens, stats.TotalCostUSD)
	}
	log.Println("Agent stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openPlaybookStorage returns the configured lesson storage and a func that
// releases its connections. An unreachable redis or postgres backend falls
// back to file storage under cfg.Root so the agent still starts.
func openPlaybookStorage(ctx context.Context, cfg config.PlaybookConfig) (playbook.Storage, func(), error) {
	fallback := func(err error) (playbook.Storage, func(), error) {
		log.Printf("Warning: playbook %s backend unavailable, using file storage under %s: %v", cfg.Backend, cfg.Root, err)
		return playbook.NewFileStorage(cfg.Root), func() {}, nil
	}

	switch cfg.Backend {
	case "", "file":
		return playbook.NewFileStorage(cfg.Root), func() {}, nil
	case "redis":
		rs, err := playbook.NewRedisStorage(ctx, cfg.RedisAddr)
		if err != nil {
			return fallback(err)
		}
		return rs, func() { _ = rs.Close() }, nil
	case "postgres":
		db, err := database.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return fallback(err)
		}
		ps, err := playbook.NewPostgresStorage(ctx, db)
		if err != nil {
			db.Close()
			return fallback(err)
		}
		return ps, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown playbook backend %q", cfg.Backend)
	}
}
