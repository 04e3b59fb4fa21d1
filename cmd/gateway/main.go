package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cortexgate/dispatcher/internal/bus"
	"github.com/cortexgate/dispatcher/internal/config"
	"github.com/cortexgate/dispatcher/internal/dispatch"
	"github.com/cortexgate/dispatcher/internal/envelope"
	"github.com/cortexgate/dispatcher/internal/executor"
	"github.com/cortexgate/dispatcher/internal/httpapi"
	"github.com/cortexgate/dispatcher/internal/httpapi/middleware"
	"github.com/cortexgate/dispatcher/internal/kv"
	"github.com/cortexgate/dispatcher/internal/logger"
	"github.com/cortexgate/dispatcher/internal/monitor"
	"github.com/cortexgate/dispatcher/internal/ratelimit"
	"github.com/cortexgate/dispatcher/internal/selector"
	"github.com/cortexgate/dispatcher/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync(log)

	log.Info("Starting CortexGate dispatcher",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	ctx := context.Background()

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.TracingEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.App.Name,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.App.Name,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	// Shared KV adapter. With no connection string this stays disabled and
	// the limiter/bus run in local-only mode.
	kvClient := kv.New(kv.Options{
		ConnString:     cfg.Cluster.ConnString,
		ConnectTimeout: cfg.Cluster.ConnectTimeout,
		MaxAttempts:    cfg.Cluster.MaxAttempts,
	}, logger.Component(log, "kv"))
	kvClient.OnEvent(func(ev kv.Event) {
		if ev.Err != nil {
			log.Warn("KV lifecycle event", zap.String("event", string(ev.Type)), zap.Error(ev.Err))
			return
		}
		log.Info("KV lifecycle event", zap.String("event", string(ev.Type)))
	})
	if err := kvClient.Connect(ctx); err != nil {
		log.Warn("KV unavailable, running with local limiters and local fan-out", zap.Error(err))
	}
	defer func() {
		if err := kvClient.Close(); err != nil {
			log.Error("Error closing KV adapter", zap.Error(err))
		}
	}()

	catalog, err := config.LoadCatalog(cfg.App.CatalogPath)
	if err != nil {
		log.Fatal("Failed to load model catalog", zap.Error(err))
	}

	var cluster *kv.Client
	if cfg.Cluster.ConnString != "" {
		cluster = kvClient
	}
	limiterFactory := func(endpointID string, rps int) *ratelimit.Limiter {
		return ratelimit.New(ratelimit.Config{
			ID:       endpointID,
			RPS:      rps,
			Cluster:  cluster,
			CortexID: cfg.App.CortexID,
			Logger:   logger.Component(log, "ratelimit"),
		})
	}
	models := config.BuildModels(catalog, cfg.Monitor, limiterFactory)
	log.Info("Model catalog loaded", zap.Int("models", len(models)))

	snapshotter := monitor.NewSnapshotter(logger.Component(log, "monitor"), cfg.Monitor.SnapshotInterval, func() map[string]*monitor.Monitor {
		out := make(map[string]*monitor.Monitor)
		for name, m := range models {
			for _, ep := range m.Endpoints() {
				out[name+"/"+ep.URL] = ep.Monitor
			}
		}
		return out
	})
	defer snapshotter.Stop()

	var encryptionKey []byte
	if cfg.Envelope.Key != "" {
		encryptionKey, err = envelope.ParseKey(cfg.Envelope.Key)
		if err != nil {
			log.Fatal("Invalid envelope key", zap.Error(err))
		}
	}

	progressBus := bus.New(bus.Config{
		KV:            kvClient,
		EncryptionKey: encryptionKey,
		Logger:        logger.Component(log, "bus"),
	})
	if err := progressBus.Start(ctx); err != nil {
		log.Fatal("Failed to start progress bus", zap.Error(err))
	}
	defer progressBus.Stop()

	exec := executor.New(executor.Config{
		MaxRetry:                cfg.Executor.MaxRetry,
		MaxDuplicateRequests:    cfg.Executor.MaxDuplicateRequests,
		DuplicateRequestAfter:   cfg.Executor.DuplicateRequestAfter,
		EnableDuplicateRequests: cfg.Executor.EnableDuplicateRequests,
		DefaultTimeout:          cfg.Executor.DefaultTimeout,
		Logger:                  logger.Component(log, "executor"),
		Tracer:                  tracerProvider.Tracer("github.com/cortexgate/dispatcher/internal/executor"),
		Progress:                progressBus,
	})

	sel := selector.New(cfg.Selector)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(logger.Recovery(log))
	router.Use(logger.AccessLog(logger.Component(log, "http")))
	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	router.Use(middleware.CORSWithConfig(corsConfig))
	router.Use(middleware.Secure())
	if cfg.HTTP.RateLimitEnabled {
		router.Use(middleware.Throttle(middleware.NewIngressLimiter(cfg.HTTP.RateLimitPerSec, cfg.HTTP.RateLimitPerSec)))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
			"kv":     kvClient.State().String(),
		})
	})

	handler := httpapi.NewHandler(models, sel, exec, progressBus, dispatch.CacheConfig{
		Enabled: cfg.Cache.Enabled,
		TTL:     cfg.Cache.TTL,
	}, log)
	handler.Register(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
