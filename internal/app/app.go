// Package app wires configuration, infrastructure, and domain handlers into
// a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dinerly/chatwire/internal/audit"
	"github.com/dinerly/chatwire/internal/config"
	"github.com/dinerly/chatwire/internal/httpserver"
	"github.com/dinerly/chatwire/internal/platform"
	"github.com/dinerly/chatwire/internal/seed"
	"github.com/dinerly/chatwire/internal/telemetry"
	"github.com/dinerly/chatwire/pkg/inbox"
	"github.com/dinerly/chatwire/pkg/integration"
	"github.com/dinerly/chatwire/pkg/meta"
	"github.com/dinerly/chatwire/pkg/notify"
	"github.com/dinerly/chatwire/pkg/phone"
	"github.com/dinerly/chatwire/pkg/resolve"
	"github.com/dinerly/chatwire/pkg/statecodec"
	"github.com/dinerly/chatwire/pkg/webhook"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting chatwire",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "seed":
		return seed.Run(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	if err := cfg.ValidateIntegration(); err != nil {
		return err
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start()
	defer auditWriter.Close()

	codec := statecodec.New(cfg.StateSecret)
	graph := meta.NewClient(cfg.MetaGraphBaseURL, cfg.MetaAPIVersion, cfg.MetaAppID,
		cfg.MetaAppSecret, cfg.MetaRedirectURL, cfg.MetaOAuthScopes, logger)

	engine := resolve.NewEngine(graph, auditWriter, logger)
	poller := resolve.NewPoller(engine, cfg.ProvisionInterval, logger)

	stateStore := integration.NewStateStore(db)
	credStore := integration.NewCredentialStore(db)
	registry := phone.NewRegistry(graph, stateStore, auditWriter, logger)
	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)

	service := integration.NewService(ctx, integration.ServiceConfig{
		BSPBusinessID: cfg.BSPBusinessID,
		Scopes:        cfg.MetaOAuthScopes,
		StateMaxAge:   cfg.StateMaxAge,
		MaxAttempts:   cfg.ProvisionMaxAttempts,
	}, codec, graph, engine, poller, credStore, stateStore, registry, auditWriter, notifier, db, logger)
	defer service.Wait()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	integrationHandler := integration.NewHandler(service, registry, audit.NewStore(db), logger)
	srv.APIRouter.Mount("/integrations/whatsapp", integrationHandler.Routes())

	inboxHandler := inbox.NewHandler(inbox.NewStore(db), logger)
	srv.APIRouter.Mount("/inbox", inboxHandler.Routes())

	seenCache := webhook.NewSeenCache(rdb, logger)
	ingestor := webhook.NewIngestor(db, stateStore, seenCache, logger)
	webhookHandler := webhook.NewHandler(cfg.WebhookVerifyToken, cfg.MetaAppSecret, ingestor, logger)
	srv.APIRouter.Mount("/webhooks/whatsapp", webhookHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
