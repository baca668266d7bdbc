package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/kbagent/internal/api/handlers"
	"github.com/cloo-solutions/kbagent/internal/database"
	"github.com/cloo-solutions/kbagent/internal/jobs"
	"github.com/cloo-solutions/kbagent/internal/server"
	"github.com/cloo-solutions/kbagent/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the kbagent API server and the background embedding worker",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides KBAGENT_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-worker", false, "Do not start the embedding worker")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.HasSentry() {
		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			DSN:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: cfg.SentryTracesSampleRate,
			Debug:            cfg.Debug,
		})
		if err != nil {
			logger.Warn("telemetry init failed, continuing without tracing", "error", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	if noMigrate, _ := cmd.Flags().GetBool("no-migrate"); !noMigrate {
		if err := database.Migrate(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("connected to database")

	if cfg.InitTenantName != "" {
		tenant, err := a.tenants.EnsureBootstrap(ctx, cfg.InitTenantName, cfg.InitAPIKey)
		if err != nil {
			return fmt.Errorf("failed to bootstrap initial tenant: %w", err)
		}
		logger.Info("bootstrap tenant ready", "tenant_id", tenant.ID, "name", tenant.Name)
	}

	var worker *jobs.Worker
	if noWorker, _ := cmd.Flags().GetBool("no-worker"); !noWorker {
		processor := jobs.NewEmbeddingWorker(a.jobRepo, a.embeddings, a.metrics, logger)
		worker = jobs.NewWorker(processor, cfg.WorkerPollInterval, logger)
		go worker.Start(ctx)
	}

	healthChecks := map[string]server.Pinger{"postgres": a.pool}
	if a.qdrant != nil {
		healthChecks["qdrant"] = a.qdrant
	}
	if a.redis != nil {
		healthChecks["redis"] = redisPinger{client: a.redis}
	}

	router := server.NewRouter(server.RouterConfig{
		AuthValidator:    a.tenants,
		KnowledgeHandler: handlers.NewKnowledgeHandler(a.knowledge, a.retrieval, a.snapshots),
		AgentHandler:     handlers.NewAgentHandler(a.agent),
		TenantHandler:    handlers.NewTenantHandler(a.tenants),
		Logger:           logger,
		Metrics:          a.metrics,
		Gatherer:         a.registry,
		HealthChecks:     healthChecks,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	if worker != nil {
		worker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
