// Package bootstrap builds the infrastructure clients shared by the service binaries.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/internal/migrations"
	"github.com/cuongbtq/transcode-orchestrator/shared/logger"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
	"github.com/cuongbtq/transcode-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/transcode-orchestrator/shared/ratelimit"
)

// LoadConfig reads the .env file if present, then the YAML file named by the -config flag
// or the envVar environment variable
func LoadConfig(envVar, defaultPath string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv(envVar)
	if defaultConfigPath == "" {
		defaultConfigPath = defaultPath
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// Migrate applies pending migrations when auto_migrate is set
func Migrate(ctx context.Context, cfg *config.DatabaseConfig, db *postgresql.Client, logger *slog.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	if err := migrations.Up(ctx, db.GetDB().DB); err != nil {
		return err
	}
	logger.Info("Database migrations applied")
	return nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		EventsExchange:     cfg.EventsExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// Stores are the file stores of a deployment. Files is where runners download inputs and
// upload results, falling back to the other store for reads. Local and Remote are the two
// ends of storage moves, either may be nil.
type Stores struct {
	Files  objectstore.Store
	Local  objectstore.Store
	Remote objectstore.Store
}

// InitObjectStores opens the local directory and the S3 bucket that are configured
func InitObjectStores(ctx context.Context, cfg *config.StorageConfig) (*Stores, error) {
	stores := &Stores{}

	if cfg.Local.BaseDir != "" {
		local, err := objectstore.NewLocal(cfg.Local.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open local storage: %w", err)
		}
		stores.Local = local
	}

	if cfg.S3.Bucket != "" {
		remote, err := objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open object storage: %w", err)
		}
		stores.Remote = remote
	}

	primary, other := stores.Local, stores.Remote
	if cfg.Backend == config.StorageBackendS3 {
		primary, other = stores.Remote, stores.Local
	}
	if primary == nil {
		return nil, fmt.Errorf("storage backend %q is not configured", cfg.Backend)
	}

	// inputs stay downloadable after a storage move
	stores.Files = primary
	if other != nil {
		stores.Files = objectstore.NewFallback(primary, other)
	}

	return stores, nil
}

// InitRateLimiter returns nil when rate limiting is disabled. The returned cleanup stops
// background work and releases the Redis connection.
func InitRateLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		logger.Info("Redis rate limiter enabled", slog.String("addr", cfg.Redis.Addr))
		limiter := ratelimit.NewRedis(rdb, "ratelimit:"+cfg.App.Name, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		return limiter, func() { _ = rdb.Close() }, nil

	default:
		limiter := ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := limiter.Sweep(10 * cfg.RateLimit.Window); n > 0 {
						logger.Debug("Swept idle rate limit entries", slog.Int("count", n))
					}
				case <-stop:
					return
				}
			}
		}()
		return limiter, func() { close(stop) }, nil
	}
}
