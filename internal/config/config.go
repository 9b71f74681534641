package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage backends
const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Rate limit backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Queue       QueueConfig       `yaml:"queue"`
	RunnerJobs  RunnerJobsConfig  `yaml:"runner_jobs"`
	Storage     StorageConfig     `yaml:"storage"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Transcoding TranscodingConfig `yaml:"transcoding"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueBindConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	// Exchange receiving jobs handled by external services and video lifecycle events
	EventsExchange string `yaml:"events_exchange"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueBindConfig holds RabbitMQ queue configuration
type QueueBindConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the Redis connection used by the distributed rate limiter
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig holds local job queue configuration
type QueueConfig struct {
	WorkerID            string                   `yaml:"worker_id"`
	PollInterval        time.Duration            `yaml:"poll_interval"`
	BackoffBase         time.Duration            `yaml:"backoff_base"`
	HeartbeatInterval   time.Duration            `yaml:"heartbeat_interval"`
	StalledAfter        time.Duration            `yaml:"stalled_after"`
	MaintenanceInterval time.Duration            `yaml:"maintenance_interval"`
	ShutdownTimeout     time.Duration            `yaml:"shutdown_timeout"`
	Concurrency         map[string]int           `yaml:"concurrency"`
	Attempts            map[string]int           `yaml:"attempts"`
	Timeouts            map[string]time.Duration `yaml:"timeouts"`
	// Operator-tunable pools
	TranscodingConcurrency int           `yaml:"transcoding_concurrency"`
	ImportConcurrency      int           `yaml:"import_concurrency"`
	ImportTimeout          time.Duration `yaml:"import_timeout"`
}

// RunnerJobsConfig holds remote runner protocol configuration
type RunnerJobsConfig struct {
	MaxFailures               int           `yaml:"max_failures"`
	LastContactUpdateInterval time.Duration `yaml:"last_contact_update_interval"`
	MaxUploadSize             int64         `yaml:"max_upload_size"`
}

// StorageConfig selects where runner input and output files live
type StorageConfig struct {
	Backend string             `yaml:"backend"`
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3StorageConfig    `yaml:"s3"`
	// Move finished videos to object storage after transcoding
	MoveToObjectStorage bool `yaml:"move_to_object_storage"`
}

// LocalStorageConfig holds local disk storage settings
type LocalStorageConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// S3StorageConfig holds object storage settings
type S3StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// AuthConfig holds admin bearer token settings
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RateLimitConfig holds HTTP rate limiting settings for runner-facing routes
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Backend  string        `yaml:"backend"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// TranscodingConfig holds the resolution ladder settings
type TranscodingConfig struct {
	Resolutions                       []int      `yaml:"resolutions"`
	WebVideosEnabled                  bool       `yaml:"web_videos_enabled"`
	HLSEnabled                        bool       `yaml:"hls_enabled"`
	AlwaysTranscodeOriginalResolution bool       `yaml:"always_transcode_original_resolution"`
	MaxFPS                            int        `yaml:"max_fps"`
	Live                              LiveConfig `yaml:"live"`
}

// LiveConfig holds live transcoding output settings
type LiveConfig struct {
	Resolutions     []int `yaml:"resolutions"`
	SegmentDuration int   `yaml:"segment_duration"`
	SegmentListSize int   `yaml:"segment_list_size"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

// applyEnv lets secrets come from the environment (or a .env file) instead of the YAML file
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("QUEUE_TRANSCODING_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.TranscodingConcurrency = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 5 * time.Second
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = 60 * time.Second
	}
	if c.Queue.HeartbeatInterval == 0 {
		c.Queue.HeartbeatInterval = 30 * time.Second
	}
	if c.Queue.StalledAfter == 0 {
		c.Queue.StalledAfter = 5 * time.Minute
	}
	if c.Queue.MaintenanceInterval == 0 {
		c.Queue.MaintenanceInterval = time.Minute
	}
	if c.Queue.ShutdownTimeout == 0 {
		c.Queue.ShutdownTimeout = 30 * time.Second
	}
	if c.Queue.TranscodingConcurrency == 0 {
		c.Queue.TranscodingConcurrency = 1
	}
	if c.Queue.ImportConcurrency == 0 {
		c.Queue.ImportConcurrency = 1
	}
	if c.Queue.ImportTimeout == 0 {
		c.Queue.ImportTimeout = 2 * time.Hour
	}
	if c.Queue.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Queue.WorkerID = host
		}
	}

	if c.RunnerJobs.MaxFailures == 0 {
		c.RunnerJobs.MaxFailures = 5
	}
	if c.RunnerJobs.LastContactUpdateInterval == 0 {
		c.RunnerJobs.LastContactUpdateInterval = 30 * time.Second
	}
	if c.RunnerJobs.MaxUploadSize == 0 {
		c.RunnerJobs.MaxUploadSize = 8 << 30
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendLocal
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitBackendMemory
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 50
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 10 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	if len(c.Transcoding.Resolutions) == 0 {
		c.Transcoding.Resolutions = []int{0, 144, 240, 360, 480, 720, 1080, 1440, 2160}
	}
	if c.Transcoding.MaxFPS == 0 {
		c.Transcoding.MaxFPS = 60
	}
	if c.Transcoding.Live.SegmentDuration == 0 {
		c.Transcoding.Live.SegmentDuration = 2
	}
	if c.Transcoding.Live.SegmentListSize == 0 {
		c.Transcoding.Live.SegmentListSize = 15
	}
}

func (c *Config) validateCommon() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	switch c.Storage.Backend {
	case StorageBackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage local base_dir is required")
		}
	case StorageBackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	if c.RunnerJobs.MaxFailures <= 0 {
		return fmt.Errorf("runner_jobs max_failures must be greater than 0")
	}

	return nil
}

// ValidateAPIConfig checks if the configuration is valid for the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.PublicURL == "" {
		return fmt.Errorf("server public_url is required")
	}

	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case RateLimitBackendMemory:
		case RateLimitBackendRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis addr is required for the redis rate limit backend")
			}
		default:
			return fmt.Errorf("invalid rate limit backend: %q", c.RateLimit.Backend)
		}
	}

	return nil
}

// ValidateWorkerConfig checks if the configuration is valid for the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	if c.Server.PublicURL == "" {
		return fmt.Errorf("server public_url is required")
	}

	if c.Queue.TranscodingConcurrency <= 0 {
		return fmt.Errorf("queue transcoding_concurrency must be greater than 0")
	}

	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be greater than 0")
	}

	if c.Queue.HeartbeatInterval <= 0 {
		return fmt.Errorf("queue heartbeat_interval must be greater than 0")
	}

	if c.Queue.StalledAfter <= c.Queue.HeartbeatInterval {
		return fmt.Errorf("queue stalled_after must be greater than heartbeat_interval")
	}

	for name, n := range c.Queue.Concurrency {
		if n <= 0 {
			return fmt.Errorf("queue concurrency for %s must be greater than 0", name)
		}
	}

	for name, n := range c.Queue.Attempts {
		if n <= 0 {
			return fmt.Errorf("queue attempts for %s must be greater than 0", name)
		}
	}

	return nil
}
