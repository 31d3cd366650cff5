package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/monitoring"
	repositories "meshcall/internal/infrastructure/repositories"
	"meshcall/internal/infrastructure/repositories/memory"
	signalinfra "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
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

	if err := validation.ValidateIdentifier(cfg.Client.UserID, "client.user_id"); err != nil {
		log.Fatalw("invalid client identity", "error", err)
	}
	user := domain.User{
		ID:        domain.UserID(cfg.Client.UserID),
		Username:  utils.SanitizeString(cfg.Client.Username),
		AvatarURL: cfg.Client.AvatarURL,
	}
	log = log.With("user_id", user.ID)

	token := cfg.Client.Token
	if token == "" {
		// sharing the relay's secret is a development shortcut
		token, err = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).GenerateToken(user)
		if err != nil {
			log.Fatalw("failed to mint relay token", "error", err)
		}
		log.Warnw("no client.token configured, minted one with auth.jwt_secret")
	}
	log.Debugw("relay token", "token", utils.MaskSensitive(token, 8))

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-client",
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
	collector := monitoring.NewPrometheusCollector()

	reconnect := retry.DefaultConfig()
	reconnect.InitialDelay = cfg.Signal.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Signal.Reconnect.MaxDelay
	reconnect.MaxAttempts = cfg.Signal.Reconnect.MaxAttempts
	signaling := signalinfra.NewWebSocketClient(signalinfra.ClientConfig{
		URL:              cfg.Signal.URL,
		Token:            token,
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		Reconnect:        reconnect,
	}, log, collector)

	var pcCfg webrtcinfra.Config
	pcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	pcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	peerFactory, err := webrtcinfra.NewPeerConnectionFactory(pcCfg, collector, log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	devices := webrtcinfra.NewSyntheticDevices(webrtcinfra.DeviceConfig{
		Camera:     cfg.Media.Camera,
		Microphone: cfg.Media.Microphone,
		Screen:     cfg.Media.Screen,
	}, log)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	orchestrator := services.NewOrchestrator(services.OrchestratorConfig{
		PendingTimeout:  cfg.Call.PendingTimeout,
		MaxAge:          cfg.Call.MaxAge,
		RingTimeout:     cfg.Call.RingTimeout,
		DisconnectGrace: cfg.Call.DisconnectGrace,
		AnswerTimeout:   cfg.Call.AnswerTimeout,
		ICEServers:      iceServers,
		Video: domain.VideoConstraints{
			Width:     cfg.Media.Width,
			Height:    cfg.Media.Height,
			FrameRate: cfg.Media.FrameRate,
		},
	}, services.Dependencies{
		Signaling:   signaling,
		Store:       memory.NewCallStore(),
		Repository:  repoFactory.CreateCallRepository(user.ID, cfg.Call.MaxAge),
		Identity:    services.NewStaticIdentity(user),
		Devices:     devices,
		PeerFactory: peerFactory,
		Metrics:     collector,
		Logger:      log,
	})

	orchestrator.OnIncoming(func(call domain.IncomingCall) {
		log.Infow("incoming call",
			"call_id", call.CallID,
			"caller", call.Caller.ID,
			"call_type", call.Type,
		)
		if !cfg.Client.AutoAnswer {
			return
		}
		go func() {
			if err := orchestrator.AcceptCall(ctx, call.CallID); err != nil {
				log.Warnw("auto-answer failed", "call_id", call.CallID, "error", err)
			}
		}()
	})
	orchestrator.OnEnded(func(id domain.CallID, reason domain.EndReason) {
		log.Infow("call ended", "call_id", id, "reason", reason)
	})
	orchestrator.Start(ctx)

	if err := signaling.Connect(ctx); err != nil {
		log.Fatalw("failed to connect to signaling relay", "url", cfg.Signal.URL, "error", err)
	}

	if restored, err := orchestrator.Restore(ctx); err != nil {
		log.Warnw("failed to restore persisted call", "error", err)
	} else if restored != nil {
		log.Infow("previous call restored, end it to start a new one", "call_id", restored.ID)
	}

	health := monitoring.NewHealthChecker()
	health.AddSignalingCheck(signaling.Connected)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewCallHandler(orchestrator, cfg.Call.MaxParticipants).SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context(), false)
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"checks":    status.Checks,
			"timestamp": status.Timestamp,
			"uptime":    time.Since(startTime).String(),
			"peers":     len(orchestrator.Peers().Peers()),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting meshcall client control API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down meshcall client...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// leave the call while the relay can still be told about it
	if orchestrator.CurrentCall() != nil {
		if err := orchestrator.EndCall(shutdownCtx); err != nil {
			log.Warnw("failed to end active call", "error", err)
		}
	}
	orchestrator.Close()
	if err := signaling.Close(); err != nil {
		log.Errorw("Error closing signaling connection", "error", err)
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("meshcall client stopped")
}
