package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/robfig/cron/v3"
	"github.com/streamkit/transcode-coordinator/internal/config"
	"github.com/streamkit/transcode-coordinator/internal/db"
	"github.com/streamkit/transcode-coordinator/internal/federation"
	"github.com/streamkit/transcode-coordinator/internal/jobs"
	"github.com/streamkit/transcode-coordinator/internal/live"
	"github.com/streamkit/transcode-coordinator/internal/runners"
	"github.com/streamkit/transcode-coordinator/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("coordinator error: %v", err)
	}
}

func run() error {
	// Create context that listens for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.LoadDotenv()
	cfg := config.NewFromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	logger.Info("running database migrations")
	if err := db.MigrateUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	objects, err := storage.NewMinioStore(ctx, logger, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	notifier := federation.NewKafkaNotifier(logger, cfg.Kafka)
	defer notifier.Close()

	segments := live.NewSegmentStore(logger)

	jobStore := jobs.NewPGStore(pool)
	infoStore := jobs.NewPGInfoStore(pool)
	handlers := jobs.NewHandlerSet(jobs.HandlerDeps{
		Logger:     logger,
		Store:      jobStore,
		Infos:      infoStore,
		Objects:    objects,
		Notifier:   notifier,
		Live:       segments,
		VideoLocks: jobs.NewKeyedMutex(),
	})

	// The dispatcher enqueues into River and the River worker calls
	// back into the dispatcher, so the enqueuer gets its client after
	// the client is built.
	enqueuer := &jobs.RiverEnqueuer{}
	dispatcher := jobs.NewDispatcher(logger, jobStore, handlers, enqueuer, cfg.Jobs.MaxFailures)

	workers := river.NewWorkers()
	river.AddWorker(workers, &jobs.PostProcessWorker{
		Logger:     logger,
		Store:      jobStore,
		Handlers:   handlers,
		Dispatcher: dispatcher,
	})
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		return fmt.Errorf("failed to create river client: %w", err)
	}
	enqueuer.Client = riverClient

	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}

	registry := runners.NewRegistry(logger, runners.NewPGStore(pool), cfg.Jobs.RunnerContactInterval)
	builder := jobs.NewBuilder(logger, jobs.NewPGTxRunner(pool))

	watchdog := jobs.NewWatchdog(logger, jobStore, dispatcher,
		cfg.Jobs.VODStallTimeout, cfg.Jobs.LiveStallTimeout, cfg.Jobs.WatchdogSchedule)
	cronEngine := cron.New()
	if err := watchdog.Schedule(cronEngine); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}
	cronEngine.Start()

	server := NewServer(logger, registry, dispatcher, builder, jobStore, segments)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Routes(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-cronEngine.Stop().Done()

	if err := riverClient.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("river client shutdown error: %w", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	logger.Info("coordinator shutdown complete")
	return nil
}
