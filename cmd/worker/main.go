package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/botfleet/botfleet-back/internal/ai"
	"github.com/botfleet/botfleet-back/internal/alerts"
	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/config"
	"github.com/botfleet/botfleet-back/internal/contextbuilder"
	"github.com/botfleet/botfleet-back/internal/effects"
	httpserver "github.com/botfleet/botfleet-back/internal/http"
	"github.com/botfleet/botfleet-back/internal/http/handlers"
	"github.com/botfleet/botfleet-back/internal/logging"
	"github.com/botfleet/botfleet-back/internal/observability"
	"github.com/botfleet/botfleet-back/internal/queue"
	"github.com/botfleet/botfleet-back/internal/repository"
	"github.com/botfleet/botfleet-back/internal/service"
	"github.com/botfleet/botfleet-back/internal/worker"
)

type repositories struct {
	processing repository.ProcessingRepository
	messages   repository.MessagesRepository
	threads    repository.ThreadsRepository
	bots       repository.BotsRepository
	settings   repository.SettingsRepository
}

func main() {
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		// Logger is not up yet; this is the one pre-logger failure.
		os.Stderr.WriteString("failed loading .env files: " + err.Error() + "\n")
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("failed building logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, repoCloser := setupRepositories(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	clients := channel.NewTelegramFactory(channel.TelegramConfig{
		BaseURL: cfg.TelegramBaseURL,
		Limiter: rate.NewLimiter(rate.Limit(cfg.TelegramRPS), cfg.TelegramBurst),
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	generator := ai.NewOpenAIClient(ai.OpenAIClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Timeout:    time.Duration(cfg.OpenAITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.OpenAIMaxRetries,
		Breaker:    breaker,
	})
	if !generator.Available() {
		logger.Warn("OPENAI_API_KEY not configured, generation calls will fail")
	}

	contexts := contextbuilder.NewBuilder(repos.messages, repos.settings)
	responseGenerator := service.NewResponseGenerator(
		generator, clients, repos.messages, repos.threads, repos.processing, contexts,
		service.ResponseGeneratorConfig{DebounceInterval: time.Duration(cfg.DebounceMS) * time.Millisecond},
		logger,
	)
	sender := service.NewSender(clients, repos.messages, repos.processing, logger)
	processor := service.NewProcessor(
		repos.messages, repos.threads, repos.bots, repos.processing,
		responseGenerator, sender, logger,
	)

	notifier := setupNotifier(cfg, clients, logger)
	runner := effects.NewRunner(clients, producer, nil, notifier, logger)

	registry := prometheus.NewRegistry()
	observability.Register(registry)
	metricsServer := startMetricsServer(cfg.MetricsPort, registry, logger)

	sweeper := worker.NewRecoverySweeper(
		repos.processing, runner,
		time.Duration(cfg.RecoverySweepSeconds)*time.Second,
		cfg.RecoverySweepBatchSize, logger,
	)
	if cfg.RecoverySweepEnabled {
		go sweeper.Run(ctx)
		logger.Info("recovery sweep enabled",
			zap.Int("interval_seconds", cfg.RecoverySweepSeconds))
	}

	opsServer := startOpsServer(cfg, repos.processing, repos.bots, runner, sweeper, logger)

	if cfg.WorkerEnabled {
		team := worker.New(consumer, repos.processing, repos.bots, processor, notifier, worker.Config{
			TeamSize:    cfg.WorkerTeamSize,
			MaxAttempts: cfg.QueueMaxAttempts,
		}, logger)
		logger.Info("worker started", zap.Int("team_size", cfg.WorkerTeamSize))
		team.Start(ctx)
	} else {
		logger.Info("worker disabled by configuration")
		<-ctx.Done()
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

func startOpsServer(
	cfg config.Config,
	processing repository.ProcessingRepository,
	bots repository.BotsRepository,
	runner *effects.Runner,
	sweeper *worker.RecoverySweeper,
	logger *zap.Logger,
) *http.Server {
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(processing, bots, runner, sweeper),
		Logger:         logger,
		AuthToken:      cfg.OpsAuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.OpsPort,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("ops api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return server
}

func setupRepositories(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory repositories")
		return memoryRepositories(), func() {}
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("postgres init failed, fallback to memory", zap.Error(err))
		return memoryRepositories(), func() {}
	}
	logger.Info("postgres repositories initialized")
	return repositories{
		processing: repository.NewPostgresProcessingRepository(pool),
		messages:   repository.NewPostgresMessagesRepository(pool),
		threads:    repository.NewPostgresThreadsRepository(pool),
		bots:       repository.NewPostgresBotsRepository(pool),
		settings:   repository.NewPostgresSettingsRepository(pool),
	}, pool.Close
}

func memoryRepositories() repositories {
	return repositories{
		processing: repository.NewMemoryProcessingRepository(),
		messages:   repository.NewMemoryMessagesRepository(),
		threads:    repository.NewMemoryThreadsRepository(),
		bots:       repository.NewMemoryBotsRepository(),
		settings:   repository.NewMemorySettingsRepository(),
	}
}

func setupQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
	})
	if err != nil {
		logger.Error("redis streams init failed, fallback to local queue", zap.Error(err))
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}
	logger.Info("redis streams queue initialized", zap.String("stream", cfg.RedisStream))
	return streams, streams, func() { _ = streams.Close() }
}

func setupNotifier(cfg config.Config, clients channel.ClientFactory, logger *zap.Logger) *alerts.AdminNotifier {
	window := alerts.NewDedupeWindow(time.Duration(cfg.AlertDedupeSeconds) * time.Second)
	if cfg.AdminBotToken == "" || cfg.AdminChatID == 0 {
		logger.Warn("admin alerting not configured, alerts will be dropped")
		return alerts.NewAdminNotifier(nil, 0, window, logger)
	}
	return alerts.NewAdminNotifier(clients(cfg.AdminBotToken), cfg.AdminChatID, window, logger)
}

func startMetricsServer(port string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}
