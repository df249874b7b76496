package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/taskmesh-backend/internal/checkpoint"
	redisclient "github.com/yungbote/taskmesh-backend/internal/clients/redis"
	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/db"
	taskhttp "github.com/yungbote/taskmesh-backend/internal/http"
	httpH "github.com/yungbote/taskmesh-backend/internal/http/handlers"
	"github.com/yungbote/taskmesh-backend/internal/idempotency"
	"github.com/yungbote/taskmesh-backend/internal/jobs/executors"
	"github.com/yungbote/taskmesh-backend/internal/jobs/processor"
	"github.com/yungbote/taskmesh-backend/internal/jobs/recovery"
	"github.com/yungbote/taskmesh-backend/internal/jobs/runtime"
	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/observability"
	"github.com/yungbote/taskmesh-backend/internal/platform/envutil"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
	"github.com/yungbote/taskmesh-backend/internal/services"
)

func main() {
	// Logger
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Env
	log.Info("Loading environment variables from main...")
	workerID := envutil.Str("WORKER_ID", "")
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	lockTTL := envutil.Duration("LOCK_TTL", time.Minute)
	heartbeatInterval := envutil.Duration("HEARTBEAT_INTERVAL", lockTTL/3)
	sweepInterval := envutil.Duration("RECOVERY_SWEEP_INTERVAL", time.Minute)
	orphanThreshold := envutil.Duration("ORPHAN_THRESHOLD", 3*lockTTL)
	maxRecoveries := envutil.Int("MAX_ORPHAN_RECOVERIES", 3)
	cleanupInterval := envutil.Duration("IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour)
	port := envutil.Str("PORT", "8080")
	metricsAddr := envutil.Str("METRICS_ADDR", ":9100")

	// Observability
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "taskmesh-worker",
		Environment: envutil.Str("ENVIRONMENT", "development"),
		Version:     envutil.Str("SERVICE_VERSION", "dev"),
	})
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}
	metrics := observability.Init(log)
	metrics.StartServer(ctx, log, metricsAddr)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()
	metrics.StartPostgresCollector(ctx, log, thePG)
	metrics.StartRunDepthCollector(ctx, log, thePG)

	// Redis
	rdb, err := redisclient.NewClient(log)
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}
	defer rdb.Close()

	// Repos
	log.Info("Setting up repos from main...")
	runRepo := runs.NewRunRepo(thePG, log)

	// Reliability core
	log.Info("Setting up reliability core from main...")
	locks, err := locking.NewRedisManager(log, rdb, envutil.Str("LOCK_PREFIX", "taskmesh"))
	if err != nil {
		log.Fatal("Lock manager init failed", "error", err)
	}
	idemStore := idempotency.NewGormStore(thePG, log, idempotency.Config{
		CompletedTTL: envutil.Duration("IDEMPOTENCY_COMPLETED_TTL", 24*time.Hour),
		FailedTTL:    envutil.Duration("IDEMPOTENCY_FAILED_TTL", time.Hour),
		PendingTTL:   envutil.Duration("IDEMPOTENCY_PENDING_TTL", 5*time.Minute),
		MaxAttempts:  envutil.Int("IDEMPOTENCY_MAX_ATTEMPTS", 5),
	})
	ckpts := checkpoint.NewGormManager(thePG, log, envutil.Int("MAX_ARTIFACT_BYTES", checkpoint.DefaultMaxArtifactBytes))

	// Queue
	workQueue, err := redisclient.NewStreamQueue(log, rdb, redisclient.StreamQueueConfig{
		Stream:        envutil.Str("QUEUE_STREAM", "taskmesh:runs"),
		Group:         envutil.Str("QUEUE_GROUP", "run-workers"),
		Consumer:      workerID,
		MaxDeliveries: envutil.Int("QUEUE_MAX_DELIVERIES", 5),
		ClaimIdle:     lockTTL,
		Block:         envutil.Duration("QUEUE_BLOCK", 5*time.Second),
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatal("Stream queue init failed", "error", err)
	}

	// Services
	log.Info("Setting up services from main...")
	notifier, err := redisclient.NewRunBus(log, rdb, envutil.Str("RUN_EVENT_CHANNEL", "run-events"))
	if err != nil {
		log.Fatal("Run bus init failed", "error", err)
	}
	resolver := services.NewTenantResolver(thePG, log,
		envutil.Duration("TENANT_CACHE_TTL", 5*time.Minute),
		envutil.Int("TENANT_CACHE_MAX", 10_000),
	)

	// Executors
	registry := runtime.NewRegistry()
	registry.MustRegister(executors.EchoExecutor{})

	// Processor + recovery
	proc, err := processor.New(log, processor.Config{
		OwnerID:           workerID,
		Concurrency:       concurrency,
		LockTTL:           lockTTL,
		HeartbeatInterval: heartbeatInterval,
	}, workQueue, runRepo, locks, idemStore, ckpts, registry, runtime.AllowAll(), notifier, metrics)
	if err != nil {
		log.Fatal("Processor init failed", "error", err)
	}
	sweeper, err := recovery.New(log, recovery.Config{
		SweepInterval:   sweepInterval,
		OrphanThreshold: orphanThreshold,
		MaxRecoveries:   maxRecoveries,
	}, lockTTL, runRepo, locks, workQueue, notifier, metrics)
	if err != nil {
		log.Fatal("Recovery orchestrator init failed", "error", err)
	}

	// Ops HTTP surface
	log.Info("Setting up ops server from main...")
	opsServer := taskhttp.NewServer(taskhttp.RouterConfig{
		Log:           log,
		HealthHandler: httpH.NewHealthHandler(),
		RunHandler:    httpH.NewRunHandler(log, runRepo, workQueue, resolver),
		TenantHandler: httpH.NewTenantHandler(log, resolver),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Start(gctx)
	})
	g.Go(func() error {
		err := sweeper.Start(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return opsServer.Start(gctx, ":"+port)
	})
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				deleted, err := idemStore.Cleanup(gctx, 500)
				if err != nil {
					log.Warn("Idempotency cleanup failed", "error", err)
					continue
				}
				metrics.AddIdempotencyCleaned(deleted)
				if deleted > 0 {
					log.Info("Idempotency cleanup done", "deleted", deleted)
				}
			}
		}
	})

	log.Info("Worker up", "port", port, "concurrency", concurrency, "lock_ttl", lockTTL)
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Worker shut down cleanly")
}
