package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alumlink/internal/core/ports"
	"alumlink/internal/core/services"
	httphandlers "alumlink/internal/handlers/http"
	"alumlink/internal/infrastructure/distributed"
	"alumlink/internal/infrastructure/gateway"
	"alumlink/internal/infrastructure/middleware"
	"alumlink/internal/infrastructure/monitoring"
	"alumlink/internal/infrastructure/repositories/memory"
	redisrepo "alumlink/internal/infrastructure/repositories/redis"
	"alumlink/pkg/config"
	"alumlink/pkg/logger"
	"alumlink/pkg/tracing"
	"alumlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/alumlink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "alumlink-gateway",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize monitoring
	collector := monitoring.NewPrometheusCollector()
	healthChecker := monitoring.NewHealthChecker()

	// Initialize message store and cross-instance event bus
	var (
		messageRepo ports.MessageRepository
		bus         *distributed.EventBus
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			log,
		)
		if err != nil {
			log.Fatalw("failed to connect to Redis", "error", err)
		}
		defer redisrepo.CloseRedisClient(redisClient)

		messageRepo = redisrepo.NewRedisMessageRepository(redisClient)
		bus = distributed.NewEventBus(redisClient, utils.GenerateRequestID(), log)
		healthChecker.AddRedisCheck(redisClient, 2*time.Second)
	} else {
		messageRepo = memory.NewMemoryMessageRepository()
	}

	// The gateway is constructed first because the core services receive
	// it as their Notifier.
	server := gateway.NewServer(gateway.Config{
		PingInterval:      cfg.Gateway.PingInterval,
		PongTimeout:       cfg.Gateway.PongTimeout,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		SendBufferSize:    cfg.Gateway.SendBufferSize,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
	}, log)

	var publisher ports.PresencePublisher
	if bus != nil {
		server.SetEventBus(bus)
		publisher = bus
	}

	// Initialize core services
	presence := services.NewPresenceRegistry(server, publisher, collector, log)
	messages := services.NewMessageService(
		messageRepo,
		server,
		collector,
		log,
		cfg.Messaging.MaxContentLength,
		cfg.Messaging.HistoryPageSize,
	)
	calls := services.NewCallCoordinator(presence, server, collector, log, services.CallConfig{
		RingTimeout:     cfg.Calls.RingTimeout,
		DisconnectGrace: cfg.Calls.DisconnectGrace,
		EndedRetention:  cfg.Calls.EndedRetention,
		JanitorInterval: cfg.Calls.JanitorInterval,
	})

	server.Bind(presence, messages, calls)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	calls.Start(rootCtx)
	defer calls.Stop()

	if bus != nil {
		go func() {
			if err := bus.Subscribe(rootCtx, server.HandleBusEvent); err != nil && rootCtx.Err() == nil {
				log.Errorw("event bus subscription terminated", "error", err)
			}
		}()
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	historyHandler := httphandlers.NewHistoryHandler(messages, presence)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Public routes
	authHandler.SetupRoutes(router)

	// Authenticated REST read side
	historyHandler.SetupRoutes(router, authService)

	// WebSocket entry point
	router.GET("/ws", middleware.AuthMiddleware(authService), server.HandleWebSocket)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status.Status,
			"timestamp":   status.Timestamp,
			"checks":      status.Checks,
			"uptime":      time.Since(startTime).String(),
			"connections": server.ConnectionCount(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is left unset so it does not kill long-lived
		// WebSocket connections served from the same listener.
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting AlumLink gateway on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down AlumLink gateway...")
	rootCancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if bus != nil {
		bus.Close()
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}
}
