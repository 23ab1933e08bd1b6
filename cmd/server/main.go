package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"

	padsigngin "github.com/padsign/padsign/api/gin"
	"github.com/padsign/padsign/artifactcache"
	rediscache "github.com/padsign/padsign/artifactcache/redis"
	"github.com/padsign/padsign/config"
	"github.com/padsign/padsign/dispatch"
	"github.com/padsign/padsign/domain"
	"github.com/padsign/padsign/internal/audit"
	"github.com/padsign/padsign/internal/auth"
	"github.com/padsign/padsign/internal/metrics"
	"github.com/padsign/padsign/internal/server"
	"github.com/padsign/padsign/log"
	"github.com/padsign/padsign/mongodb"
	"github.com/padsign/padsign/orchestrator"
	"github.com/padsign/padsign/registry"
	"github.com/padsign/padsign/resilience"
	"github.com/padsign/padsign/storage"
	"github.com/padsign/padsign/tracing"
)

var (
	appLogger      log.Logger
	httpServer     *http.Server
	tracerProvider *sdktrace.TracerProvider
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
		stdLog := zerolog.New(os.Stdout).With().Timestamp().Logger()
		stdLog.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Str("fallback_log_level", logLevel.String()).
			Err(parseErr).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	appLogger = log.NewZerologAdapter(logLevel, cfg.LogPretty)
	appLogger.Info(context.Background(), "Starting padsign relay server...")
	appLogger.Info(context.Background(), "Configuration loaded successfully", map[string]interface{}{
		"http_port":     cfg.HTTPPort,
		"mongo_uri":     cfg.MongoURI,
		"mongo_db_name": cfg.MongoDBName,
		"log_level":     cfg.LogLevel,
		"otel_service":  cfg.OtelServiceName,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		appLogger.Fatal(context.Background(), "Failed to initialize TracerProvider", err, nil)
	}
	tracerProvider = tp

	promReg := prometheus.NewRegistry()
	metrics.InitCustomMetrics(promReg)

	if brokers := cfg.BrokerList(); len(brokers) > 0 {
		audit.SetSink(audit.NewKafkaSink(brokers, cfg.KafkaAuditTopic))
		appLogger.Info(context.Background(), "Kafka audit sink enabled", map[string]interface{}{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaAuditTopic,
		})
	}

	ctx := context.Background()
	if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
		appLogger.Fatal(ctx, "Failed to initialize MongoDB connection", initErr, nil)
	}
	db := mongodb.GetDB()

	sessionRepo, err := mongodb.NewSessionRepositoryMongo(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize SessionRepository", err, nil)
	}
	deviceRepo, err := mongodb.NewDeviceRepositoryMongo(ctx, db)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize DeviceRepository", err, nil)
	}

	// Artifact cache: in-memory by default, Redis when an address is
	// configured so multiple relay instances share one cache.
	var artifacts artifactcache.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			appLogger.Fatal(ctx, "Failed to connect to Redis", pingErr, nil)
		}
		artifacts = rediscache.NewCache(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.ArtifactTTLMin)*time.Minute)
		appLogger.Info(ctx, "Redis artifact cache enabled", map[string]interface{}{"addr": cfg.RedisAddr})
	} else {
		artifacts = artifactcache.NewMemoryCache(time.Duration(cfg.ArtifactTTLMin)*time.Minute, cfg.ArtifactCacheSize)
	}
	defer artifacts.Close()

	// Blob store: minio when configured, in-memory for development.
	var blobs domain.BlobStore
	if cfg.MinioEndpoint != "" {
		blobs, err = storage.NewMinioBlobStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			appLogger.Fatal(ctx, "Failed to initialize object store", err, nil)
		}
	} else {
		appLogger.Warn(ctx, "MINIO_ENDPOINT not set, using in-memory blob store")
		blobs = storage.NewMemoryBlobStore()
	}

	apiKeyHasher := auth.NewBcryptAPIKeyHasher(bcrypt.DefaultCost)
	jwtValidator := auth.NewJWTValidator(cfg.JWTSecretKey)

	reg := registry.New(deviceRepo, apiKeyHasher, jwtValidator, registry.Config{
		HeartbeatThreshold: cfg.HeartbeatThreshold(),
		SweepInterval:      time.Duration(cfg.ConnectionSweepSec) * time.Second,
		AuthGrace:          time.Duration(cfg.AuthGraceSec) * time.Second,
	})
	reg.Start()
	defer reg.Stop()

	orch := orchestrator.New(sessionRepo, reg, artifacts, storage.NewBlobRenderer(blobs), orchestrator.Config{
		SimpleTTL:         cfg.SessionTTL(false),
		DocumentTTL:       cfg.SessionTTL(true),
		SweepInterval:     time.Duration(cfg.SessionSweepSec) * time.Second,
		MaxSignatureBytes: cfg.MaxSignatureBytes,
	})
	orch.StartSweeper()
	defer orch.Stop()

	finalizer := orchestrator.NewFinalizer(sessionRepo, artifacts, storage.EnvelopeCompositor{}, blobs)

	wrapper := resilience.New(orch, resilience.Config{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      time.Duration(cfg.BreakerOpenSec) * time.Second,
		MaxRetries:       uint64(cfg.RetryMaxAttempts),
		CallTimeout:      time.Duration(cfg.OperationTimeoutSec) * time.Second,
	})

	dispatcher := dispatch.New(reg, orch, wrapper)

	api := padsigngin.NewAPI(reg, dispatcher, wrapper, orch, finalizer, deviceRepo, apiKeyHasher, jwtValidator, promReg)

	httpServer = server.NewHTTPServer(cfg, appLogger, api)
	go func() {
		appLogger.Info(context.Background(), fmt.Sprintf("HTTP server listening on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal(context.Background(), "Failed to start HTTP server", err, nil)
		}
	}()

	appLogger.Info(context.Background(), "Server components initialized. Waiting for interrupt signal...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-quit

	appLogger.Info(context.Background(), fmt.Sprintf("Received signal: %v. Shutting down server...", receivedSignal))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if httpServer != nil {
		appLogger.Info(shutdownCtx, "Shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "HTTP server shutdown error", err, nil)
		}
	}

	if tracerProvider != nil {
		appLogger.Info(shutdownCtx, "Shutting down TracerProvider...")
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(shutdownCtx, "TracerProvider shutdown error", err, nil)
		}
	}

	appLogger.Info(shutdownCtx, "Closing MongoDB connection...")
	mongodb.CloseMongoDB(shutdownCtx)

	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
}
