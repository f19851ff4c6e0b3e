package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaycast/internal/core/ports"
	"relaycast/internal/core/room"
	"relaycast/internal/core/services"
	httphandlers "relaycast/internal/handlers/http"
	"relaycast/internal/infrastructure/distributed"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/infrastructure/monitoring"
	repositories "relaycast/internal/infrastructure/repositories"
	signalserver "relaycast/internal/infrastructure/signal"
	webrtcinfra "relaycast/internal/infrastructure/webrtc"
	"relaycast/pkg/circuitbreaker"
	"relaycast/pkg/config"
	"relaycast/pkg/logger"
	"relaycast/pkg/retry"
	"relaycast/pkg/tracing"
	"relaycast/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := "configs/config.yaml"
	if p := os.Getenv("RELAYCAST_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// the logger is not configured yet
		logger.NewSugared("info", "json").Fatalw("failed to load config", "path", configPath, "error", err)
	}

	log := logger.NewSugared(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "relaycast-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()

	// Media workers
	engine := webrtcinfra.NewEngine(webrtcinfra.Config{
		AnnouncedIP: cfg.Media.AnnouncedIP,
		PortMin:     cfg.Media.PortRange.Min,
		PortMax:     cfg.Media.PortRange.Max,
	}, log.Named("engine"))
	codecs, err := webrtcinfra.DefaultCodecs(cfg.Media.Codecs)
	if err != nil {
		log.Fatalw("invalid media codecs", "codecs", cfg.Media.Codecs, "error", err)
	}

	pool := services.NewWorkerPool(engine, cfg.Media.WorkerRestartDelay, log.Named("workers"))
	pool.SetEvents(collector)
	if err := pool.Initialize(ctx, cfg.WorkerCount()); err != nil {
		log.Fatalw("failed to start media workers", "count", cfg.WorkerCount(), "error", err)
	}

	registry := room.NewRegistry(pool, services.NewRouterFactory(codecs, log.Named("routers")), log.Named("rooms"))
	registry.SetObserver(collector)

	// Stream store
	if cfg.Storage.Backend == "postgres" {
		log.Infow("using postgres stream store", "dsn", utils.MaskSensitive(cfg.Postgres.DSN, 12))
	}
	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, retry.DefaultConfig(), log.Named("store"))
	if err != nil {
		log.Fatalw("failed to open stream store", "error", err)
	}
	streams := repoFactory.StreamRepository()

	var events ports.StreamEventPublisher
	if client := repoFactory.RedisClient(); cfg.Redis.Events && client != nil {
		events = distributed.NewEventBus(client, utils.NewID("signal"), log.Named("events"))
	}

	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = cfg.Sync.FailureThreshold
	breaker.Timeout = cfg.Sync.OpenTimeout
	syncerCfg := services.StatusSyncerConfig{
		Workers:   cfg.Sync.Workers,
		QueueSize: cfg.Sync.QueueSize,
		Timeout:   cfg.Sync.Timeout,
		Breaker:   breaker,
	}
	syncer := services.NewStatusSyncer(streams, events, syncerCfg, log.Named("sync"))
	syncer.SetObserver(collector)
	if n, err := syncer.ReconcileStale(ctx); err != nil {
		log.Warnw("failed to reconcile stale live records", "error", err)
	} else if n > 0 {
		log.Infow("reconciled stale live records", "count", n)
	}

	// Signaling
	authService := services.NewAuthService(streams, log.Named("auth"))
	wsServer := signalserver.NewServer(signalserver.NewConfig(cfg), registry, authService, syncer, log.Named("signal"))
	wsServer.SetMetrics(collector)

	// Health
	health := monitoring.NewHealthChecker()
	health.AddStreamStoreCheck(streams, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	health.AddWorkerCheck(pool.Len, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.HealthCheckInterval, cfg.Monitoring.HealthCheckTimeout)
	}
	health.StartBackgroundChecks(ctx, cfg.Monitoring.HealthCheckInterval)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET(cfg.Signal.Path, middleware.NewUpgradeRateLimitMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	httphandlers.NewOpsHandler(registry, pool, streams, health).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting relaycast signaling server",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"workers", pool.Len(),
			"store", repoFactory.Backend(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down relaycast signaling server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// upgraded connections are hijacked, so the signal server closes them
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during http shutdown", "error", err)
			_ = srv.Close()
		}
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("signal sessions did not drain", "error", err)
		}
		registry.CloseAll()
		if err := syncer.Stop(shutdownCtx); err != nil {
			log.Errorw("status syncer did not drain", "error", err, "dropped", syncer.Dropped())
		}
		pool.Close()
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing stream store", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error flushing traces", "error", err)
		}
		return nil
	})

	start := time.Now()
	if err := g.Wait(); err != nil {
		log.Fatalw("server failed", "error", err)
	}
	log.Infow("relaycast signaling server stopped", "uptime", utils.FormatDuration(time.Since(start)))
}
