package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/api"
	"github.com/honeynil/EduBankTransfers/internal/config"
	"github.com/honeynil/EduBankTransfers/internal/handler"
	"github.com/honeynil/EduBankTransfers/internal/infrastructure/auth"
	"github.com/honeynil/EduBankTransfers/internal/infrastructure/kafka"
	"github.com/honeynil/EduBankTransfers/internal/infrastructure/redis"
	"github.com/honeynil/EduBankTransfers/internal/observability"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	"github.com/honeynil/EduBankTransfers/internal/repository/memory"
	"github.com/honeynil/EduBankTransfers/internal/repository/postgres"
	service "github.com/honeynil/EduBankTransfers/internal/services"
	_ "github.com/lib/pq"
)

const accountCacheTTL = 5 * time.Minute

type stores struct {
	accounts  repository.AccountRepository
	transfers repository.TransferRepository
	locks     repository.LockManager
	activity  repository.ActivityRepository
	close     func() error
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.DriverMemory {
		store := memory.NewStore(memory.WithLockTimeout(cfg.LockTimeout))
		if cfg.SeedFile != "" {
			n, err := store.LoadSeed(cfg.SeedFile)
			if err != nil {
				return nil, err
			}
			slog.Info("seeded in-memory accounts", "count", n, "file", cfg.SeedFile)
		}
		return &stores{
			accounts:  store,
			transfers: store.Transfers(),
			locks:     store,
			activity:  store,
			close:     func() error { return nil },
		}, nil
	}

	// Подключаемся к Postgres
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &stores{
		accounts:  postgres.NewPostgresAccountRepository(db),
		transfers: postgres.NewPostgresTransferRepository(db),
		locks:     postgres.NewPostgresLedgerStore(db, cfg.LockTimeout),
		activity:  postgres.NewPostgresActivityRepository(db),
		close:     db.Close,
	}, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем логи, метрики, трейсы
	shutdownTracing, metricsHandler, err := observability.Setup(ctx, observability.Options{
		ServiceName:  "edubank-transfers",
		LogLevel:     cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("tracer shutdown failed", "error", err)
		}
	}()

	st, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.StorageDriver, "error", err)
		return fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	defer st.close()

	var opts []service.Option
	var limiter api.RateLimiter
	var cache *redis.AccountCache
	redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
	switch {
	case err == nil:
		defer redisClient.Close()
		cache = redis.NewAccountCache(redisClient, accountCacheTTL)
		limiter = redis.NewRateLimiter(redisClient, "rate_limit", cfg.RateLimitPerMinute, time.Minute)
		opts = append(opts,
			service.WithIdempotency(redis.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)),
			service.WithAccountCache(cache),
		)
	case cfg.StorageDriver == config.DriverMemory:
		slog.Warn("running without Redis: idempotency keys, rate limiting and account cache are disabled", "error", err)
	default:
		slog.Error("failed to connect to Redis", "error", err)
		return fmt.Errorf("connect to redis: %w", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	publisher := kafka.NewTransferEventPublisher(producer, cfg.KafkaTransferTopic)

	if cache != nil {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTransferTopic, cfg.KafkaGroupID, cache)
		go consumer.Consume(ctx)
		defer consumer.Close()
	}

	limits := service.Limits{
		MaxPerTransfer: cfg.MaxPerTransfer,
		DailyLimit:     cfg.DailyLimit,
		Location:       cfg.Location,
	}
	validator := service.NewValidator(limits)
	svc := service.NewTransferService(
		st.accounts,
		st.transfers,
		validator,
		service.NewExecutor(st.transfers, st.locks, validator, cfg.ExecutionTimeout),
		service.NewAuditLogger(st.activity, publisher),
		opts...,
	)

	sweeper := service.NewSweeper(st.transfers, cfg.PendingTTL, cfg.SweepInterval)
	go sweeper.Run(ctx)

	router := api.SetupRouter(handler.NewHandler(svc), auth.NewTokenService(cfg.JWTSecret), limiter, metricsHandler)

	// Запускаем сервер
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr, "driver", cfg.StorageDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
	return nil
}
