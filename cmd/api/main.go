package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"appointly/internal/api"
	"appointly/internal/catalog"
	"appointly/internal/config"
	"appointly/internal/database"
	"appointly/internal/domain"
	"appointly/internal/events"
	"appointly/internal/google"
	"appointly/internal/ledger"
	"appointly/internal/logging"
	"appointly/internal/metrics"
	"appointly/internal/notify"
	"appointly/internal/reminder"
	"appointly/internal/repository"
	"appointly/internal/service"
	"appointly/internal/worker"
)

const sweepInterval = 10 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	catalogRepo, err := initCatalog(ctx, cfg, db, &logger)
	if err != nil {
		return err
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	requests := initRequestStore(ctx, redisClient, &logger)

	notifier := initNotifiers(ctx, cfg, &logger)
	notificationWorker := worker.NewNotificationWorker(
		db,
		notifier,
		db,
		redisClient,
		worker.RetryPolicyFromConfig(cfg.Worker),
		cfg.Worker.PollInterval,
		logger,
	)

	eventBus := events.NewEventBus()
	notificationWorker.Subscribe(eventBus)

	svc := service.NewSchedulingService(
		catalogRepo,
		ledger.New(),
		db,
		eventBus,
		notificationWorker,
		requests,
		service.Options{
			RecurrenceHorizon: time.Duration(cfg.Scheduling.RecurrenceHorizonDays) * 24 * time.Hour,
			BookingRateLimit:  cfg.Scheduling.BookingRateLimit,
			BookingRateWindow: cfg.Scheduling.BookingRateWindow,
			IdempotencyTTL:    cfg.Scheduling.IdempotencyTTL,
		},
		&logger,
	)
	loaded, err := svc.Hydrate(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("hydrate ledger")
		return err
	}
	logger.Info().Int("bookings", loaded).Msg("ledger hydrated")

	go notificationWorker.Start(ctx)

	backup := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
	go func() {
		if err := backup.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("backup service stopped")
		}
	}()

	reminders := reminder.NewScheduler(db, eventBus, cfg.Reminders, &logger)
	go func() {
		if err := reminders.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("reminder scheduler stopped")
		}
	}()

	startMetrics(ctx, cfg, &logger)

	httpServer := api.NewServer(cfg.API, svc, &logger)
	return startServer(ctx, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := *logging.Component(baseLogger, "api-main")

	return cfg, logger, closer, nil
}

// initCatalog picks where hosts, schedules and booking types are read from.
// A catalog file is either synced into the database or served from memory;
// without a file the database content is used as is.
func initCatalog(ctx context.Context, cfg *config.Config, db *database.DB, logger *zerolog.Logger) (domain.CatalogRepository, error) {
	if cfg.Catalog.Path == "" {
		logger.Info().Msg("no catalog file configured, using stored catalog")
		return db, nil
	}

	c, err := catalog.LoadFile(cfg.Catalog.Path)
	if err != nil {
		logger.Error().Err(err).Str("catalog_path", cfg.Catalog.Path).Msg("load catalog")
		return nil, err
	}

	if !cfg.Catalog.SyncOnStart {
		logger.Info().Int("hosts", len(c.Hosts)).Msg("serving catalog from memory")
		return catalog.NewRepository(c), nil
	}
	if err := c.Sync(ctx, db); err != nil {
		logger.Error().Err(err).Msg("sync catalog")
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func initRequestStore(ctx context.Context, redisClient *redis.Client, logger *zerolog.Logger) domain.RequestStore {
	memory := repository.NewMemoryRequestStore()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := memory.Sweep(); n > 0 {
					logger.Debug().Int("removed", n).Msg("request store swept")
				}
			}
		}
	}()

	if redisClient == nil {
		return memory
	}
	return repository.NewFailoverRequestStore(repository.NewRedisRequestStore(redisClient), memory, logger)
}

func initNotifiers(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) domain.Notifier {
	var notifiers notify.Multi

	if cfg.Notifications.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(*logger))
	}
	if cfg.Notifications.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notifications.Webhook))
		logger.Info().Str("url", cfg.Notifications.Webhook.URL).Msg("webhook notifications enabled")
	}
	if mirror := initGoogleSheets(ctx, cfg, logger); mirror != nil {
		notifiers = append(notifiers, mirror)
	}

	if len(notifiers) == 0 {
		logger.Warn().Msg("no notifiers configured, booking events are only recorded")
		return nil
	}
	return notifiers
}

func initGoogleSheets(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *google.SheetsMirror {
	sheetsCfg := cfg.Notifications.Sheets
	if sheetsCfg.CredentialsFile == "" || sheetsCfg.SpreadsheetID == "" {
		return nil
	}

	mirror, err := google.NewSheetsMirror(ctx, sheetsCfg)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		return nil
	}
	if err := mirror.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without sheets")
		return nil
	}
	if err := mirror.EnsureHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("write sheets header")
	}
	if err := mirror.WarmUpCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("warm up sheets row cache")
	}

	logger.Info().Str("spreadsheet_id", sheetsCfg.SpreadsheetID).Msg("google sheets connected")
	return mirror
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(ctx context.Context, httpServer *api.Server, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("http server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return serveErr
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
