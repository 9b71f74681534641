package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/transcode-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	jobqueuestorage "github.com/cuongbtq/transcode-orchestrator/internal/jobqueue/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	runnerjobstorage "github.com/cuongbtq/transcode-orchestrator/internal/runnerjob/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/transcoding"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", cfg.Queue.WorkerID),
	)

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if err := bootstrap.Migrate(context.Background(), &cfg.Database, dbClient, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	stores, err := bootstrap.InitObjectStores(context.Background(), &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	registry := jobqueue.NewRegistry()
	queue := jobqueue.NewManager(jobqueue.Options{
		Backend:             jobqueuestorage.NewStorage(dbClient),
		Registry:            registry,
		Notifier:            jobqueue.NewBrokerNotifier(rabbitClient, rabbitClient.ExchangeName(), rabbitClient.RoutingKey()),
		Policies:            jobqueue.PoliciesFromConfig(cfg.Queue),
		WorkerID:            cfg.Queue.WorkerID,
		PollInterval:        cfg.Queue.PollInterval,
		BackoffBase:         cfg.Queue.BackoffBase,
		HeartbeatInterval:   cfg.Queue.HeartbeatInterval,
		StalledAfter:        cfg.Queue.StalledAfter,
		MaintenanceInterval: cfg.Queue.MaintenanceInterval,
		Logger:              appLogger.Component("jobqueue"),
	})

	events := transcoding.NewBrokerEvents(rabbitClient, rabbitClient.EventsExchange())
	runnerJobs := runnerjob.NewService(runnerjob.Options{
		Store:       runnerjobstorage.NewStorage(dbClient),
		Callbacks:   transcoding.NewHooks(queue, events, cfg.Storage.MoveToObjectStorage, appLogger.Component("transcoding")),
		MaxFailures: cfg.RunnerJobs.MaxFailures,
		Logger:      appLogger.Component("runnerjob"),
	})
	builder := transcoding.NewBuilder(runnerJobs, cfg.Server.PublicURL, cfg.Transcoding, appLogger.Component("builder"))

	transcoding.NewLocalHandlers(builder, events, stores.Local, stores.Remote,
		rabbitClient, rabbitClient.EventsExchange(), appLogger.Component("local-jobs")).Register(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	consumer := jobqueue.NewConsumer(rabbitClient, queue, cfg.Queue.WorkerID,
		cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Component("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			appLogger.Warn("Job notifications stopped, pools keep polling the queue")
		}
		return nil
	})
	g.Go(func() error {
		// SIGUSR1 pauses the job queue, SIGUSR2 resumes it
		controls := make(chan os.Signal, 1)
		signal.Notify(controls, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(controls)

		queue.PauseOnSignal(gctx, controls, syscall.SIGUSR1, syscall.SIGUSR2)
		return nil
	})

	appLogger.Info("Worker service started successfully")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Worker error", slog.Any("error", err))
	} else {
		err = nil
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give running jobs time to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancel()

	if shutdownErr := queue.Shutdown(shutdownCtx); shutdownErr != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, running jobs were interrupted",
			slog.Any("error", shutdownErr),
		)
	}

	appLogger.Info("Worker service shutdown complete")
	return err
}
