package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	httpapi "github.com/knigoland/order/internal/api/http"
	"github.com/knigoland/order/internal/client/stripe"
	"github.com/knigoland/order/internal/config"
	eventkafka "github.com/knigoland/order/internal/event/kafka"
	"github.com/knigoland/order/internal/repository/postgres"
	"github.com/knigoland/order/internal/service"
	platformlogging "github.com/knigoland/order/platform/logging"
	platformobservability "github.com/knigoland/order/platform/observability"
	platformshutdown "github.com/knigoland/order/platform/shutdown"
)

// App содержит все зависимости для запуска и корректного shutdown сервиса заказов
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	dispatcher  *eventkafka.OutboxDispatcher
	shutdownMgr *platformshutdown.Manager
	readiness   func() bool
	jobsCtx     context.Context
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости сервиса заказов
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	// Создаём logger
	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "order",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building order service", zap.String("http_addr", cfg.HTTPAddr))

	// OpenTelemetry: traces + metrics (noop если OTEL_ENABLED=false)
	otelCfg := platformobservability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "order",
		DeploymentEnvironment: string(cfg.AppEnv),
	}
	otelShutdown, err := platformobservability.Init(context.Background(), otelCfg)
	if err != nil {
		return nil, err
	}

	// Подключаемся к PostgreSQL
	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connection established")

	// Применяем миграции
	logger.Info("Applying database migrations")
	db, err := goose.OpenDBWithDriver("pgx", cfg.PostgresDSN)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer db.Close()

	wd, err := os.Getwd()
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := goose.Up(db, filepath.Join(wd, "migrations")); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Database migrations applied successfully")

	// Функция readiness для health check
	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx) == nil
	}

	// Создаём PostgreSQL репозиторий
	orderRepo := postgres.NewRepository(pool)

	// Клиент платёжного провайдера
	stripeClient := stripe.NewClient(stripe.Config{
		APIKey: cfg.StripeAPIKey,
	})

	// Создаём service слой с зависимостями
	orderService := service.NewOrderService(logger, stripeClient, orderRepo)

	// HTTP handlers и роутер
	handler := httpapi.NewHandler(orderService, logger)
	webhookHandler := httpapi.NewWebhookHandler(orderService, cfg.StripeWebhookSecret, logger)
	router := httpapi.NewRouter(handler, webhookHandler, readiness, logger)

	// Создаём HTTP сервер
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Outbox dispatcher публикует доменные события заказов в Kafka
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	dispatcher := eventkafka.NewOutboxDispatcher(
		logger,
		orderRepo,
		kafkaWriter,
		cfg.OutboxBatchSize,
		cfg.OutboxInterval,
	)

	// Контекст фоновых задач; отменяется в составе shutdown-последовательности
	jobsCtx, cancelJobs := context.WithCancel(context.Background())

	// Создаём shutdown manager
	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)

	// Функции выполняются в порядке, обратном регистрации
	shutdownMgr.Add("otel", otelShutdown)
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))
	shutdownMgr.Add("kafka_writer", platformshutdown.CloseWriter(kafkaWriter))
	shutdownMgr.Add("outbox_dispatcher", func(ctx context.Context) error {
		cancelJobs()
		return nil
	})
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		dispatcher:  dispatcher,
		shutdownMgr: shutdownMgr,
		readiness:   readiness,
		jobsCtx:     jobsCtx,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting order service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.dispatcher.Start(a.jobsCtx); err != nil {
			a.logger.Error("Outbox dispatcher error", zap.Error(err))
		}
	}()

	// Ожидаем сигнал и выполняем shutdown
	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("Order service stopped")
	return nil
}
