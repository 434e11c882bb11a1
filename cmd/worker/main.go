package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/config"
	"github.com/nexus-run/orchestrator/internal/db"
	"github.com/nexus-run/orchestrator/internal/driver"
	"github.com/nexus-run/orchestrator/internal/observ"
	"github.com/nexus-run/orchestrator/internal/repository/postgres"
	"github.com/nexus-run/orchestrator/internal/secretcrypto"
	"github.com/nexus-run/orchestrator/internal/tenantlock"
	"github.com/nexus-run/orchestrator/internal/workerapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(ctx, database, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	pool := database.Pool()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	tenants := postgres.NewTenantStore(pool)
	configs := postgres.NewConfigStore(pool)
	secrets := postgres.NewSecretStore(pool)
	events := postgres.NewEventStore(pool)

	eventBus := bus.New(redisClient, events, logger)
	go func() {
		if err := eventBus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event bus stopped", zap.Error(err))
		}
	}()

	containerDriver, err := driver.New(ctx, cfg.DockerHost, cfg.TenantRoot, cfg.TenantNetwork, cfg.NexusImage, cfg.BridgePort, logger)
	if err != nil {
		return fmt.Errorf("init container driver: %w", err)
	}
	monitor := driver.NewMonitor(containerDriver, eventBus, logger)
	locks := tenantlock.NewTable()

	cipher, err := secretcrypto.NewCipher(cfg.SecretEncryptionKey)
	if err != nil {
		return fmt.Errorf("init secret cipher: %w", err)
	}

	reconciler := workerapi.NewReconciler(containerDriver, monitor, eventBus, tenants, locks, cfg.ReconcileInterval, logger)
	go reconciler.Run(ctx)

	handler := workerapi.NewHandler(containerDriver, monitor, eventBus, tenants, configs, secrets, cipher, locks, cfg.OperationTimeout, logger)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.GET("/internal/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "active_monitors": monitor.ActiveCount()})
	})
	handler.Register(router, cfg.ActionVerifyingKey, cfg.ActionVerifyingKeyPrevious)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker http shutdown", zap.Error(err))
		}
	}()

	logger.Info("nexus worker listening", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
