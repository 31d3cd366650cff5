package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	repositories "meshcall/internal/infrastructure/repositories"
	signalinfra "meshcall/internal/infrastructure/signal"
	"meshcall/internal/infrastructure/turn"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	lock "meshcall/pkg/distributed"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(config.DefaultPaths())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", path, err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	log.Infow("configuration loaded", "path", path)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	registry := repoFactory.CreateCallRegistry()

	static := make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		static = append(static, domain.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	issuer := turn.NewCredentialIssuer(turn.Config{
		Enabled:      cfg.TURN.Enabled,
		URLs:         cfg.TURN.URLs,
		SharedSecret: cfg.TURN.SharedSecret,
		TTL:          cfg.TURN.TTL,
		Static:       static,
	})

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	collector := monitoring.NewPrometheusCollector()

	serverCfg := signalinfra.DefaultServerConfig()
	serverCfg.PingInterval = cfg.Signal.PingInterval
	serverCfg.PongTimeout = cfg.Signal.PongTimeout
	serverCfg.WriteTimeout = cfg.Signal.WriteTimeout
	serverCfg.RingTimeout = cfg.Call.RingTimeout
	serverCfg.MaxParticipants = cfg.Call.MaxParticipants
	serverCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	serverCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	} else {
		serverCfg.MessagesPerSecond = 0
	}

	deps := signalinfra.ServerDeps{
		Auth:     authService,
		Registry: registry,
		ICE:      issuer,
		Metrics:  collector,
		Logger:   log,
	}

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := uuid.NewString()
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			log.Warnw("relay fan-out circuit changed", "from", from.String(), "to", to.String())
		})
		bus = distributed.NewEventBus(client, instanceID, log).WithBreaker(breaker)
		deps.Fanout = bus
		deps.Locker = lock.NewLockManager(client, "meshcall:lock:", 5*time.Second, 2*time.Second)
		log.Infow("relay running in cluster mode", "instance_id", instanceID)
	}

	wsServer := signalinfra.NewWebSocketServer(serverCfg, deps)

	if bus != nil {
		go func() {
			if err := bus.Subscribe(ctx, distributed.DeliveryHandler(wsServer)); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay event bus stopped", "error", err)
			}
		}()
	}

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))

	// registered ahead of tracing, sockets live far longer than a request span
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.Use(
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)

	if cfg.Auth.IssueTokens {
		log.Warn("development token issuance enabled at /api/v1/auth/token")
		api := router.Group("")
		api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
		httphandlers.NewAuthHandler(authService, log).SetupRoutes(api)
	}

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context(), false)
		c.JSON(http.StatusOK, gin.H{
			"status":      status.Status,
			"checks":      status.Checks,
			"timestamp":   status.Timestamp,
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context(), true)
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// no WriteTimeout: it would cut off hijacked websocket connections
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting meshcall relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down meshcall relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	wsServer.Shutdown()
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("meshcall relay stopped")
}
