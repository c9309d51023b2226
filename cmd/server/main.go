package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/paperwork/internal/artifact"
	"github.com/JonMunkholm/paperwork/internal/audit"
	"github.com/JonMunkholm/paperwork/internal/config"
	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/JonMunkholm/paperwork/internal/logging"
	"github.com/JonMunkholm/paperwork/internal/session"
	"github.com/JonMunkholm/paperwork/internal/transfer"
	"github.com/JonMunkholm/paperwork/internal/web"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoint", cfg.Remote.EndpointURL,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"session_idle_ttl", cfg.Session.IdleTTL,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"audit_enabled", cfg.Audit.Enabled(),
	)

	ctx := context.Background()

	// Audit trail is optional; without a database entries are discarded.
	var auditSink core.AuditSink = core.NopAuditSink{}
	if cfg.Audit.Enabled() {
		pool, err := audit.Connect(ctx, cfg.Audit.DatabaseURL, cfg.Audit.MaxConns, cfg.Audit.MinConns)
		if err != nil {
			logger.Error("failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		sink := audit.NewPostgresSink(pool, cfg.Audit.WriteTimeout)
		if err := sink.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare audit schema", "error", err)
			os.Exit(1)
		}
		auditSink = sink
		logger.Info("audit trail enabled")
	}

	store := artifact.NewStore()
	limiter := core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime)

	submitter := transfer.NewClient(transfer.Options{
		Endpoint:     cfg.Remote.EndpointURL,
		FormField:    cfg.Remote.FormField,
		ArtifactName: cfg.Remote.ArtifactName,
		Limiter:      limiter,
	})

	sessions := session.NewRegistry(session.Deps{
		Validator: core.NewValidator(cfg.Remote.AcceptedMediaType),
		Submitter: submitter,
		Store:     store,
		Audit:     auditSink,
		Logger:    logger,
	}, cfg.Session.IdleTTL)

	server := web.NewServer(web.Options{
		Config:   cfg,
		Sessions: sessions,
		Store:    store,
		Limiter:  limiter,
		Logger:   logger,
	})

	// Background session sweeper
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go sessions.Run(jobCtx, cfg.Session.SweepInterval)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let in-flight submissions finish so their users get a result.
		if status := limiter.Status(); status.Active > 0 {
			logger.Info("waiting for submissions to complete", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				logger.Warn("submissions did not complete in time", "error", err)
			} else {
				logger.Info("all submissions completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		sessions.CloseAll()
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
	logger.Info("server stopped")
}
