package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexus-run/orchestrator/internal/api"
	"github.com/nexus-run/orchestrator/internal/bus"
	"github.com/nexus-run/orchestrator/internal/config"
	"github.com/nexus-run/orchestrator/internal/db"
	"github.com/nexus-run/orchestrator/internal/middleware"
	"github.com/nexus-run/orchestrator/internal/observ"
	"github.com/nexus-run/orchestrator/internal/repository/postgres"
	"github.com/nexus-run/orchestrator/internal/secretcrypto"
	"github.com/nexus-run/orchestrator/internal/workerclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadControlConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres and run migrations
	//
	// Why context.Background() here?
	//   - At startup, there's no parent request or deadline.
	//     Background() is the root context — it never cancels.
	//   - Once the server is running, each HTTP request gets its
	//     own context with a deadline.
	// ---------------------------------------------------------------
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(context.Background(), database, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	pool := database.Pool()

	// ---------------------------------------------------------------
	// 4. Connect to Redis and start the event bus's announcement loop
	// ---------------------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// ---------------------------------------------------------------
	// 5. Create repositories
	//
	// We assign to the INTERFACE type (repository.XxxRepository) at each
	// handler constructor call, not the concrete type (*postgres.XxxStore).
	// This proves at compile time that our implementations satisfy the
	// interfaces handlers depend on.
	// ---------------------------------------------------------------
	userRepo := postgres.NewUserStore(pool)
	tenantRepo := postgres.NewTenantStore(pool)
	configRepo := postgres.NewConfigStore(pool)
	promptRepo := postgres.NewPromptStore(pool)
	skillRepo := postgres.NewSkillStore(pool)
	secretRepo := postgres.NewSecretStore(pool)
	eventRepo := postgres.NewEventStore(pool)

	eventBus := bus.New(redisClient, eventRepo, logger)
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go func() {
		if err := eventBus.Run(busCtx); err != nil && busCtx.Err() == nil {
			logger.Error("event bus stopped", zap.Error(err))
		}
	}()

	worker := workerclient.New(cfg.WorkerBaseURL, cfg.ActionSigningKey, cfg.ActionTokenTTL)

	// Fail fast on a malformed key — a control plane that can't seal
	// tenant secrets must not come up at all.
	cipher, err := secretcrypto.NewCipher(cfg.SecretEncryptionKey)
	if err != nil {
		return fmt.Errorf("init secret cipher: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Wire handlers
	// ---------------------------------------------------------------
	authHandler := api.NewAuthHandler(userRepo, cfg.SessionSigningKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	userHandler := api.NewUserHandler(userRepo, logger)
	tenantHandler := api.NewTenantHandler(tenantRepo, configRepo, promptRepo, skillRepo, secretRepo, cipher, worker, eventBus, cfg.NexusImage, logger)
	configHandler := api.NewConfigHandler(tenantRepo, configRepo, worker, eventBus, logger)
	promptHandler := api.NewPromptHandler(tenantRepo, promptRepo, logger)
	skillHandler := api.NewSkillHandler(tenantRepo, skillRepo, logger)
	eventHandler := api.NewEventHandler(tenantRepo, eventRepo, eventBus, cfg.SessionSigningKey, logger)
	googleHandler := api.NewGoogleHandler(tenantRepo, secretRepo, eventBus, cfg.GoogleOAuthClientID, cfg.GoogleOAuthRedirectURI, cfg.GoogleOAuthAllowedOrigins, logger)

	// ---------------------------------------------------------------
	// 7. Set up HTTP server
	// ---------------------------------------------------------------
	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	// Health check is PUBLIC — no auth required.
	// Load balancers hit this to check if the server is alive. If it
	// required auth, the LB couldn't health-check us.
	srv.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := srv.Group("/v1")
	v1.POST("/auth/signup", authHandler.Signup)
	v1.POST("/auth/login", authHandler.Login)
	v1.POST("/auth/refresh", authHandler.Refresh)

	// The WebSocket endpoint carries its bearer token in the query string
	// (browsers can't set an Authorization header on the upgrade request),
	// so it authenticates itself rather than going through AuthMiddleware.
	v1.GET("/events/ws", eventHandler.WS)

	// All other /v1/* routes require a valid JWT.
	// The middleware runs BEFORE any handler in this group. If the token
	// is missing/invalid, the request never reaches the handler.
	authed := v1.Group("")
	authed.Use(middleware.AuthMiddleware(cfg.SessionSigningKey))

	authed.GET("/users/me", userHandler.GetMe)

	authed.POST("/tenants/setup", tenantHandler.Setup)
	authed.GET("/tenants/:id/status", tenantHandler.Status)
	authed.DELETE("/tenants/:id", tenantHandler.Delete)
	authed.POST("/tenants/:id/runtime/start", tenantHandler.Start)
	authed.POST("/tenants/:id/runtime/stop", tenantHandler.Stop)
	authed.POST("/tenants/:id/runtime/restart", tenantHandler.Restart)
	authed.POST("/tenants/:id/whatsapp/pair/start", tenantHandler.PairStart)
	authed.POST("/tenants/:id/whatsapp/disconnect", tenantHandler.WhatsappDisconnect)

	authed.GET("/tenants/:id/config", configHandler.Get)
	authed.PATCH("/tenants/:id/config", configHandler.Patch)

	authed.GET("/tenants/:id/prompts", promptHandler.List)
	authed.PUT("/tenants/:id/prompts/:name", promptHandler.Put)

	authed.GET("/tenants/:id/skills", skillHandler.List)
	authed.PUT("/tenants/:id/skills/:skill_id", skillHandler.Put)

	authed.GET("/tenants/:id/events/recent", eventHandler.Recent)

	authed.POST("/tenants/:id/google/connect/start", googleHandler.ConnectStart)
	authed.GET("/tenants/:id/google/status", googleHandler.Status)
	authed.POST("/tenants/:id/google/disconnect", googleHandler.Disconnect)

	logger.Info("starting nexus control plane",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	return srv.Run(":" + cfg.Port)
}
