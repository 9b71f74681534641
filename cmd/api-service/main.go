package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transcode-orchestrator/internal/api/handler"
	"github.com/cuongbtq/transcode-orchestrator/internal/api/router"
	"github.com/cuongbtq/transcode-orchestrator/internal/auth"
	"github.com/cuongbtq/transcode-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/internal/jobqueue"
	jobqueuestorage "github.com/cuongbtq/transcode-orchestrator/internal/jobqueue/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/runner"
	runnerstorage "github.com/cuongbtq/transcode-orchestrator/internal/runner/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/runnerjob"
	runnerjobstorage "github.com/cuongbtq/transcode-orchestrator/internal/runnerjob/storage"
	"github.com/cuongbtq/transcode-orchestrator/internal/transcoding"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
	"github.com/cuongbtq/transcode-orchestrator/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	limiter, stopLimiter, err := bootstrap.InitRateLimiter(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	defer stopLimiter()

	deps := initDependencies(cfg, appLogger.Logger, dbClient, rabbitClient)
	deps.Files = stores.Files

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	r := router.SetupRouter(deps, router.Options{
		Tokens:  auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Limiter: limiter,
		HealthChecks: map[string]func(ctx context.Context) error{
			"database": dbClient.HealthCheck,
			"rabbitmq": func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			},
		},
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.String("public_url", cfg.Server.PublicURL),
		slog.Bool("rate_limit", limiter != nil),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initDependencies wires the services behind the handlers. The API process only produces
// local jobs, the worker service runs them.
func initDependencies(cfg *config.Config, logger *slog.Logger, db *postgresql.Client, rabbit *rabbitmq.Client) *handler.Dependencies {
	queue := jobqueue.NewManager(jobqueue.Options{
		Backend:  jobqueuestorage.NewStorage(db),
		Notifier: jobqueue.NewBrokerNotifier(rabbit, rabbit.ExchangeName(), rabbit.RoutingKey()),
		Policies: jobqueue.PoliciesFromConfig(cfg.Queue),
		Logger:   logger.With(slog.String("component", "jobqueue")),
	})

	events := transcoding.NewBrokerEvents(rabbit, rabbit.EventsExchange())
	hooks := transcoding.NewHooks(queue, events, cfg.Storage.MoveToObjectStorage, logger.With(slog.String("component", "transcoding")))

	runnerJobs := runnerjob.NewService(runnerjob.Options{
		Store:       runnerjobstorage.NewStorage(db),
		Callbacks:   hooks,
		MaxFailures: cfg.RunnerJobs.MaxFailures,
		Logger:      logger.With(slog.String("component", "runnerjob")),
	})

	return &handler.Dependencies{
		Logger:        logger,
		Runners:       runner.NewService(runnerstorage.NewStorage(db), cfg.RunnerJobs.LastContactUpdateInterval, logger.With(slog.String("component", "runner"))),
		RunnerJobs:    runnerJobs,
		Jobs:          queue,
		Live:          transcoding.NewBuilder(runnerJobs, cfg.Server.PublicURL, cfg.Transcoding, logger.With(slog.String("component", "builder"))),
		MaxUploadSize: cfg.RunnerJobs.MaxUploadSize,
	}
}
