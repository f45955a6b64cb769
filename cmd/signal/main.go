package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
	"mediagate/internal/core/services"
	httphandlers "mediagate/internal/handlers/http"
	"mediagate/internal/infrastructure/events"
	"mediagate/internal/infrastructure/middleware"
	"mediagate/internal/infrastructure/monitoring"
	"mediagate/internal/infrastructure/repositories"
	"mediagate/internal/infrastructure/signal"
	"mediagate/internal/infrastructure/webrtc"
	"mediagate/pkg/config"
	"mediagate/pkg/logger"
	"mediagate/pkg/tracing"
	"mediagate/pkg/utils"
)

var errEngineDied = errors.New("media engine died")

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Errorw("signaling server stopped", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	startTime := time.Now()
	instanceID := utils.GenerateID("node")

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		InstanceID:   instanceID,
		CollectorURL: cfg.Tracing.JaegerEndpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	engine, err := webrtc.NewEngine(webrtc.EngineConfig{
		RTCMinPort: cfg.Engine.PortRange.Min,
		RTCMaxPort: cfg.Engine.PortRange.Max,
	}, log.Named("engine"))
	if err != nil {
		return fmt.Errorf("failed to start media engine: %w", err)
	}
	defer engine.Close()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, instanceID, log)
	defer repoFactory.Close()
	publisher := repoFactory.CreateEventPublisher()
	defer publisher.Close()

	var metrics ports.MetricsRecorder
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	sessions := services.NewSessionService(
		repoFactory.CreateSessionRepository(),
		engine,
		publisher,
		metrics,
		sessionConfig(cfg),
		log.Named("sessions"),
	)

	wsServer, err := signal.NewWebSocketServer(sessions, metrics, cfg, log.Named("signal"))
	if err != nil {
		return err
	}
	sessions.SetNotifier(wsServer)

	health := monitoring.NewHealthChecker()
	health.AddEngineCheck(engine)
	if repoFactory.UsesRedis() {
		health.AddPingCheck("redis", repoFactory.HealthCheck, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"connections": wsServer.ConnectionCount(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	httphandlers.NewSessionHandler(sessions).SetupRoutes(router)

	g, gctx := errgroup.WithContext(ctx)

	if redisPublisher, ok := publisher.(*events.RedisPublisher); ok {
		router.GET("/api/v1/directory", func(c *gin.Context) {
			dir, err := redisPublisher.Directory(c.Request.Context())
			if err != nil {
				_ = c.Error(err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"instance_id": instanceID, "sessions": dir})
		})
		g.Go(func() error {
			err := redisPublisher.Subscribe(gctx, func(env events.Envelope) {
				log.Debugw("session event from another instance",
					"instance_id", env.InstanceID,
					"type", env.Event.Type,
					"session_id", env.Event.SessionID,
				)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event subscription ended", "error", err)
			}
			return nil
		})
	}

	if cfg.Server.StaticDir != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.Server.StaticDir))))
		log.Infow("serving static files", "dir", cfg.Server.StaticDir)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.Infow("starting signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
			"instance_id", instanceID,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-engine.Died():
		}
		log.Errorw("media engine died, exiting after grace period",
			"error", engine.Err(),
			"grace_period", cfg.Engine.FatalGracePeriod,
		)
		wsServer.Drain()

		timer := time.NewTimer(cfg.Engine.FatalGracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-gctx.Done():
		}
		return errEngineDied
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down signaling server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("websocket connections did not close in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("HTTP server shutdown failed", "error", err)
		}
		return sessions.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("signaling server stopped")
	return nil
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	codecs := make([]domain.RtpCodecCapability, 0, len(cfg.Engine.MediaCodecs))
	for _, c := range cfg.Engine.MediaCodecs {
		codecs = append(codecs, domain.RtpCodecCapability{
			Kind:       domain.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}

	listenIPs := make([]ports.ListenIP, 0, len(cfg.Engine.ListenIPs))
	for _, ip := range cfg.Engine.ListenIPs {
		listenIPs = append(listenIPs, ports.ListenIP{IP: ip.IP, AnnouncedIP: ip.AnnouncedIP})
	}

	return services.SessionConfig{
		MediaCodecs: codecs,
		Transport: ports.WebRtcTransportOptions{
			ListenIPs: listenIPs,
			EnableUDP: cfg.Engine.EnableUDP,
			EnableTCP: cfg.Engine.EnableTCP,
			PreferUDP: cfg.Engine.PreferUDP,
		},
	}
}
