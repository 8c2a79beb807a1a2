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

	"agendasync/internal/api"
	"agendasync/internal/config"
	"agendasync/internal/database"
	"agendasync/internal/domain"
	"agendasync/internal/events"
	"agendasync/internal/google"
	"agendasync/internal/logging"
	"agendasync/internal/metrics"
	"agendasync/internal/notify"
	"agendasync/internal/repository"
	"agendasync/internal/service"
	"agendasync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

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

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	queueSignal, locker := initQueueSignal(redisClient, logger)

	status := worker.NewStatusProjection(db)
	enqueuer := worker.NewEnqueuer(db, db, queueSignal, logger)

	eventBus := initEventBus(logger)
	reservations := service.NewReservationService(db, enqueuer, eventBus, cfg.Google.CalendarFor, logger)

	calendarWorker := initWorker(ctx, cfg, db, queueSignal, locker, status, logger)

	httpServer := api.NewHTTPServer(cfg.API, api.Dependencies{
		DB:           db,
		Reservations: reservations,
		Status:       status,
		Worker:       calendarWorker,
		Signal:       queueSignal,
	}, logger)

	startMetrics(ctx, cfg, logger)

	return serve(ctx, cfg, httpServer, calendarWorker, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, baseLogger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initQueueSignal prefers Redis for wakeups and keeps an in-process fallback.
func initQueueSignal(client *redis.Client, logger *zerolog.Logger) (domain.QueueSignal, domain.RecoveryLocker) {
	memory := repository.NewMemoryQueueSignal()
	if client == nil {
		return memory, nil
	}
	failover := repository.NewFailoverQueueSignal(repository.NewRedisQueueSignal(client), memory, logger)
	return failover, repository.NewRedisRecoveryLocker(client)
}

func initEventBus(logger *zerolog.Logger) *events.EventBus {
	bus := events.NewEventBus()
	audit := logging.Component(logger, "audit")

	handler := func(event *events.Event) error {
		var payload events.ReservationEventPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}
		audit.Info().
			Str("event", event.Type).
			Str("reservation_id", payload.ReservationID).
			Str("status", payload.Status).
			Str("sync_outcome", payload.SyncOutcome).
			Int64("sync_job_id", payload.SyncJobID).
			Msg("reservation event")
		return nil
	}
	for _, eventType := range []string{
		events.EventReservationCreated,
		events.EventReservationRescheduled,
		events.EventReservationCancelled,
	} {
		bus.Subscribe(eventType, handler)
	}
	return bus
}

func initWorker(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	queueSignal domain.QueueSignal,
	locker domain.RecoveryLocker,
	status *worker.StatusProjection,
	logger *zerolog.Logger,
) *worker.CalendarWorker {
	q := cfg.CalendarQueue
	if q.Disabled {
		logger.Warn().Msg("calendar sync worker disabled, jobs will stay pending")
		return nil
	}
	if cfg.Google.CredentialsFile == "" {
		logger.Warn().Msg("google credentials not configured, calendar sync worker not started")
		return nil
	}

	gateway, err := google.NewCalendarGateway(ctx, cfg.Google.CredentialsFile, google.Options{
		TimeZone:          cfg.Google.TimeZone,
		Timeout:           time.Duration(cfg.Google.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Google.RequestsPerSecond,
	})
	if err != nil {
		logger.Error().Err(err).Msg("google calendar init failed, calendar sync worker not started")
		return nil
	}

	deps := worker.Dependencies{
		Jobs:         db,
		Reservations: db,
		Gateway:      gateway,
		Signal:       queueSignal,
		Locker:       locker,
		Status:       status,
	}
	if token := cfg.Alerts.TelegramBotToken; token != "" {
		notifier, err := notify.NewTelegramNotifierFromToken(token, cfg.Alerts.TelegramChatIDs, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram alerts disabled")
		} else {
			deps.Notifier = notifier
		}
	}

	return worker.NewCalendarWorker(deps, worker.Config{
		PollInterval: q.PollInterval(),
		MaxIdle:      time.Duration(q.MaxIdleSeconds * float64(time.Second)),
		MaxAttempts:  q.MaxAttempts,
		RetryDelay:   time.Duration(q.RetryDelaySeconds) * time.Second,
		StaleAfter:   q.StaleAfter(),
		Heartbeat:    time.Duration(q.HeartbeatSeconds * float64(time.Second)),
		StopTimeout:  time.Duration(q.StopTimeoutSeconds) * time.Second,
	}, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	httpServer *api.HTTPServer,
	calendarWorker *worker.CalendarWorker,
	logger *zerolog.Logger,
) error {
	if calendarWorker != nil {
		calendarWorker.Start(ctx)
	}

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("worker", calendarWorker != nil).Msg("agendasync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if calendarWorker != nil && !calendarWorker.Stop(0) {
		logger.Warn().Msg("calendar worker did not stop in time, in-flight job will be recovered on next start")
	}

	logger.Info().Msg("agendasync stopped")
	return nil
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
