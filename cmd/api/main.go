package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocrflow/ocrflow/internal/api"
	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/config"
	"github.com/ocrflow/ocrflow/internal/dispatch"
	"github.com/ocrflow/ocrflow/internal/ocr"
	"github.com/ocrflow/ocrflow/internal/pipeline"
	"github.com/ocrflow/ocrflow/internal/ratelimit"
	"github.com/ocrflow/ocrflow/internal/service"
	"github.com/ocrflow/ocrflow/internal/storage"
	"github.com/ocrflow/ocrflow/internal/store"
	"github.com/ocrflow/ocrflow/internal/telemetry"
	"github.com/ocrflow/ocrflow/internal/webhook"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "ocrflow",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	tasks, closeTasks, err := buildTaskStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("task store setup failed: %v", err)
	}
	defer func() {
		if err := closeTasks(); err != nil {
			logger.Printf("task store close error: %v", err)
		}
	}()

	artifacts, err := buildArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		logger.Fatalf("artifact store setup failed: %v", err)
	}

	engine, err := ocr.NewHTTPEngine(ocr.Config{
		BaseURL:     cfg.Engine.BaseURL,
		Prompt:      cfg.Engine.Prompt,
		Timeout:     cfg.Engine.Timeout,
		MaxAttempts: cfg.Engine.MaxAttempts,
		Backoff:     cfg.Engine.Backoff,
	})
	if err != nil {
		logger.Fatalf("engine setup failed: %v", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	runner := pipeline.NewRunner(logger, tasks, artifacts, engine)
	dispatcher := dispatch.New(logger, runner, webhookClient, cfg.Dispatch.Workers, cfg.Dispatch.QueueCapacity)
	dispatcher.Start(ctx)

	jobs := service.NewJobService(logger, tasks, artifacts, dispatcher)

	opts := api.Options{
		AuthToken:       cfg.API.AuthToken,
		RateLimitHeader: cfg.RateLimit.SubjectHeader,
		DispatchMetrics: dispatcher.MetricsHandler(),
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, jobs, engine, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	if cfg.Retention.MaxAge > 0 {
		go runRetentionSweep(ctx, logger, jobs, cfg.Retention)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Printf("dispatcher drain failed: %v", err)
	}
}

func buildTaskStore(ctx context.Context, cfg config.StoreConfig) (store.TaskStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryTaskStore(), noop, nil
	case "sqlite":
		s, err := store.NewSQLiteTaskStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := store.NewPostgresTaskStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildArtifactStore(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "fs":
		return artifact.NewFSStore(cfg.FSRoot)
	case "minio":
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Endpoint,
			Access:   cfg.AccessKey,
			Secret:   cfg.SecretKey,
			Bucket:   cfg.Bucket,
			UseSSL:   cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return artifact.NewObjectStore(client, "jobs")
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func runRetentionSweep(ctx context.Context, logger *log.Logger, jobs *service.JobService, cfg config.RetentionConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := jobs.CleanupOlderThan(ctx, cfg.MaxAge)
			if err != nil {
				logger.Printf("retention sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Printf("retention sweep removed=%d", removed)
			}
		}
	}
}
