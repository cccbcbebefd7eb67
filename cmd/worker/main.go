package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/execution-backend/config"
	"github.com/instill-ai/execution-backend/pkg/event"
	"github.com/instill-ai/execution-backend/pkg/logger"
	"github.com/instill-ai/execution-backend/pkg/metrics"
	"github.com/instill-ai/execution-backend/pkg/processor"
	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/repository"
	"github.com/instill-ai/execution-backend/pkg/repository/object"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/tool"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/execution-backend/pkg/db"
	executionworker "github.com/instill-ai/execution-backend/pkg/worker"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping workers
const gracefulShutdownTimeout = 60 * time.Minute    // Maximum time for in-flight activities to complete

var (
	// These variables might be overridden at buildtime.
	serviceName    = "execution-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	redisClient, db, objectStorage, eventPublisher, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	execCfg := config.Config.Execution
	resilienceCfg := resilience.ConfigFromExecution(execCfg, redisClient, logger)

	repo := repository.NewRepository(db, repository.WithIdleConnections(config.Config.Database.Pool.IdleConnections))
	storeClient := store.NewClient(repo, resilienceCfg, logger)
	progressCache := progress.NewRedisCache(redisClient, config.Config.Cache.ProgressTTL, resilience.NewRetryer(resilienceCfg))

	release, err := tool.ReleaseFromName(config.Config.Tool.Release)
	if err != nil {
		logger.Fatal("Invalid tool release", zap.String("release", config.Config.Tool.Release), zap.Error(err))
	}

	fileProcessor := processor.New(processor.Config{
		Store:              storeClient,
		Progress:           progressCache,
		Storage:            objectStorage,
		Executor:           tool.NewHTTPExecutor(config.Config.Tool, logger),
		Release:            release,
		Retryer:            resilience.NewRetryer(resilienceCfg),
		FileTimeout:        execCfg.FileTimeout,
		ErrorMessageLength: execCfg.ErrorMessageLength,
	}, logger)

	ew, err := executionworker.New(executionworker.Config{
		Store:                storeClient,
		Progress:             progressCache,
		Processor:            fileProcessor,
		Resolver:             router.NewResolver(repo, logger),
		Publisher:            event.NewPublisher(eventPublisher),
		BatchSize:            execCfg.BatchSize,
		FileTimeout:          execCfg.FileTimeout,
		BatchActivityRetries: execCfg.BatchActivityRetries,
		ErrorMessageLength:   execCfg.ErrorMessageLength,
	}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	var interceptors []interceptor.WorkerInterceptor
	if config.Config.OTELCollector.Enable {
		workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
		}
		interceptors = []interceptor.WorkerInterceptor{workerInterceptor}
	}

	// One Temporal worker per lane. A process can serve a subset of the
	// lanes to scale them independently.
	lanes := config.Config.Server.Lanes
	if len(lanes) == 0 {
		lanes = executionworker.TaskQueues
	}

	workers := make([]worker.Worker, 0, len(lanes))
	for _, lane := range lanes {
		if !slices.Contains(executionworker.TaskQueues, lane) {
			logger.Fatal("Unknown lane", zap.String("lane", lane))
		}

		w := worker.New(temporalClient, lane, worker.Options{
			WorkflowPanicPolicy:                    worker.BlockWorkflow,
			WorkerStopTimeout:                      gracefulShutdownTimeout,
			MaxConcurrentWorkflowTaskExecutionSize: 100,
			Interceptors:                           interceptors,
		})
		ew.RegisterWorkflows(w, lane)
		ew.RegisterActivities(w, lane)

		if err := w.Start(); err != nil {
			logger.Fatal(fmt.Sprintf("Unable to start worker on %s: %s", lane, err))
		}
		workers = append(workers, w)
		logger.Info("Temporal worker started", zap.String("lane", lane))
	}

	var metricsServer *http.Server
	if config.Config.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Config.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight activities to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("Shutting down workers...")
	for _, w := range workers {
		w.Stop()
	}
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(ctx context.Context, logger *zap.Logger) (
	*redis.Client,
	*gorm.DB,
	object.Storage,
	message.Publisher,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize PostgreSQL database connection (execution store)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (progress counters, stop flags and circuit states)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	// Initialize Temporal client (lanes)
	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	// Initialize object storage. GCS is used when a bucket is configured,
	// MinIO otherwise.
	var objectStorage object.Storage
	if config.Config.GCS.Bucket != "" {
		objectStorage, err = object.NewGCSStorage(ctx, config.Config.GCS, logger)
		if err != nil {
			logger.Fatal("failed to create GCS client", zap.Error(err))
		}
		logger.Info("GCS object storage initialized", zap.String("bucket", config.Config.GCS.Bucket))
	} else {
		objectStorage, err = object.NewMinIOStorage(ctx, config.Config.Minio, logger)
		if err != nil {
			logger.Fatal("failed to create MinIO client", zap.Error(err))
		}
		logger.Info("MinIO object storage initialized", zap.String("bucket", config.Config.Minio.BucketName))
	}

	// Initialize the execution event publisher
	eventPublisher, err := event.NewMessagePublisher(config.Config.Events, watermill.NewStdLogger(config.Config.Server.Debug, false))
	if err != nil {
		logger.Fatal("failed to create event publisher", zap.Error(err))
	}
	closeFuncs["events"] = eventPublisher.Close

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, objectStorage, eventPublisher, temporalClient, closer
}
