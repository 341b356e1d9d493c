package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quillhq/ledgerguard/internal/accounts"
	"github.com/quillhq/ledgerguard/internal/api"
	"github.com/quillhq/ledgerguard/internal/cache"
	"github.com/quillhq/ledgerguard/internal/config"
	"github.com/quillhq/ledgerguard/internal/ledger"
	"github.com/quillhq/ledgerguard/internal/monitor"
	"github.com/quillhq/ledgerguard/internal/notify"
	"github.com/quillhq/ledgerguard/internal/pool"
	"github.com/quillhq/ledgerguard/internal/ratelimit"
	"github.com/quillhq/ledgerguard/internal/storage"
	"github.com/quillhq/ledgerguard/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("Starting ledgerguard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Violation audit store.
	var store storage.ViolationStore
	redisStore, err := storage.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		logger.Warnf("Redis unavailable, keeping violations in memory only: %v", err)
		store = storage.NewMemoryStore()
	} else {
		store = redisStore
	}
	defer store.Close()

	// Notification sink.
	var notifier notify.Notifier = notify.NoOpNotifier{}
	if cfg.RabbitMQ.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Warnf("Notification sink unavailable: %v", err)
		} else {
			notifier = amqpNotifier
		}
	}
	defer notifier.Close()

	// Connection pool over the indexing service.
	connPool, err := pool.New(pool.Config{
		Size:                cfg.Pool.Size,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		MaxRetries:          cfg.Pool.MaxRetries,
		MaxInFlight:         cfg.Pool.MaxInFlight,
	}, func() (ledger.Client, error) {
		return ledger.NewHTTPClient(cfg.Ledger.ServiceURL, cfg.Ledger.WSURL, cfg.Ledger.RequestTimeout)
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize connection pool: %v", err)
	}
	defer connPool.Close()
	logger.Infof("Connection pool ready with %d connections", cfg.Pool.Size)

	ledgerCache := cache.New(cache.Config{
		BalanceTTL:    cfg.Cache.BalanceTTL,
		HistoryTTL:    cfg.Cache.HistoryTTL,
		MediaCapacity: cfg.Cache.MediaCapacity,
	})

	limiter := ratelimit.New(ratelimit.Config{
		TransactionLimit: cfg.RateLimit.TransactionLimit,
		APICallLimit:     cfg.RateLimit.APICallLimit,
		Window:           cfg.RateLimit.Window,
		MaxRetries:       cfg.RateLimit.MaxRetries,
		BaseBackoff:      cfg.RateLimit.BaseBackoff,
		MaxBackoff:       cfg.RateLimit.MaxBackoff,
	}, store, logger)

	accountSvc := accounts.NewService(ledgerCache, limiter, connPool, logger)

	accountMonitor := monitor.New(monitor.Config{
		AccountID:                 cfg.Monitor.AccountID,
		LargeTransactionThreshold: cfg.Monitor.LargeTransactionThreshold,
		LowBalanceThreshold:       cfg.Monitor.LowBalanceThreshold,
		SuspiciousActivityWindow:  cfg.Monitor.SuspiciousActivityWindow,
		MaxTransactionsPerWindow:  cfg.Monitor.MaxTransactionsPerWindow,
		MaxReconnectAttempts:      cfg.Monitor.MaxReconnectAttempts,
		ReconnectBaseDelay:        cfg.Monitor.ReconnectBaseDelay,
		EnableNotifications:       cfg.Monitor.EnableNotifications,
	}, connPool, notifier, logger)

	// Monitor activity keeps the read caches honest.
	accountMonitor.OnEvent(func(event types.Event) {
		switch event.Type {
		case types.EventPayment, types.EventAccountCreated:
			accountSvc.OnBalanceChange(cfg.Monitor.AccountID)
		default:
			accountSvc.OnNewTransaction(cfg.Monitor.AccountID)
		}
	})

	if err := accountMonitor.Start(ctx); err != nil {
		logger.Fatalf("Failed to start account monitor: %v", err)
	}
	defer accountMonitor.Stop()

	handlers := api.NewHandlers(connPool, ledgerCache, limiter, accountMonitor, accountSvc, store, logger)
	apiServer := api.NewServer(&cfg.Server, handlers, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("Error stopping API server: %v", err)
	}

	accountMonitor.Stop()
	logger.Info("ledgerguard stopped")
}

func setupLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}
