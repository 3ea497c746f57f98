package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/quota-harvester/internal/apiclient"
	"github.com/cuongbtq/quota-harvester/internal/ratelimit"
	"github.com/cuongbtq/quota-harvester/internal/retry"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Checkpoint backends.
const (
	CheckpointBackendFile     = "file"
	CheckpointBackendPostgres = "postgres"
)

// Environment variables that override file values.
const (
	EnvAPIKey        = "HARVEST_API_KEY"
	EnvRankLimit     = "HARVEST_RANK_LIMIT"
	EnvRoleLimit     = "HARVEST_ROLE_LIMIT"
	EnvCheckpointDir = "HARVEST_CHECKPOINT_DIR"
	EnvDBPassword    = "HARVEST_DB_PASSWORD"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retry      retry.Policy     `yaml:"retry"`
	API        apiclient.Config `yaml:"api"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Events     EventsConfig     `yaml:"events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
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
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
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
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// CheckpointConfig selects where job progress and stop requests live.
type CheckpointConfig struct {
	Backend   string `yaml:"backend"`
	Directory string `yaml:"directory"`
}

// RateLimitConfig is the per-route quota table of the external API.
type RateLimitConfig struct {
	MinSpacing time.Duration                 `yaml:"min_spacing"`
	Default    []ratelimit.Window            `yaml:"default"`
	Routes     map[string][]ratelimit.Window `yaml:"routes"`
}

// Table builds the limiter table, falling back to the conservative default bucket.
func (c RateLimitConfig) Table() ratelimit.Table {
	return ratelimit.NewTable(c.Routes, c.Default)
}

// KindConfig bounds one backfill kind's batch per round.
type KindConfig struct {
	Limit        int `yaml:"limit"`
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// BackfillConfig holds the backfill job settings.
type BackfillConfig struct {
	JobID           string     `yaml:"job_id"`
	DefaultPlatform string     `yaml:"default_platform"`
	Rank            KindConfig `yaml:"rank"`
	Role            KindConfig `yaml:"role"`
}

// EventsConfig controls publishing of API request events to RabbitMQ.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = CheckpointBackendFile
	}
	if c.Checkpoint.Directory == "" {
		c.Checkpoint.Directory = "data/cron"
	}
	if c.RateLimit.MinSpacing == 0 {
		c.RateLimit.MinSpacing = ratelimit.DefaultMinSpacing
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy()
	}
	if c.Backfill.JobID == "" {
		c.Backfill.JobID = "riot:backfill-until-done"
	}
	if c.Backfill.DefaultPlatform == "" {
		c.Backfill.DefaultPlatform = "euw1"
	}
	if c.Backfill.Rank == (KindConfig{}) {
		c.Backfill.Rank = KindConfig{DefaultLimit: 100, MaxLimit: 5000}
	}
	if c.Backfill.Role == (KindConfig{}) {
		c.Backfill.Role = KindConfig{DefaultLimit: 200, MaxLimit: 500}
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv(EnvCheckpointDir); v != "" {
		c.Checkpoint.Directory = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}

	for env, target := range map[string]*int{
		EnvRankLimit: &c.Backfill.Rank.Limit,
		EnvRoleLimit: &c.Backfill.Role.Limit,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*target = n
	}
	return nil
}

// ValidateAPIConfig checks the settings the status API needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateCheckpoint(); err != nil {
		return err
	}

	if c.Events.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	return nil
}

// ValidateHarvesterConfig checks the settings the backfill job needs
func (c *Config) ValidateHarvesterConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateCheckpoint(); err != nil {
		return err
	}

	if c.API.APIKey == "" {
		return fmt.Errorf("api key is required (set api.api_key or %s)", EnvAPIKey)
	}

	if c.API.RegionalURL == "" {
		return fmt.Errorf("api regional_url is required")
	}

	if _, ok := c.API.PlatformURLs[c.Backfill.DefaultPlatform]; !ok {
		return fmt.Errorf("api platform_urls has no entry for default platform %q", c.Backfill.DefaultPlatform)
	}

	if err := c.RateLimit.Table().Validate(); err != nil {
		return fmt.Errorf("invalid rate_limit: %w", err)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	for name, k := range map[string]KindConfig{"rank": c.Backfill.Rank, "role": c.Backfill.Role} {
		if k.DefaultLimit <= 0 {
			return fmt.Errorf("backfill %s default_limit must be greater than 0", name)
		}
		if k.MaxLimit < k.DefaultLimit {
			return fmt.Errorf("backfill %s max_limit must be >= default_limit", name)
		}
	}

	if c.Events.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateCheckpointConfig checks only the checkpoint backend, for commands
// that read or write job markers without running the job.
func (c *Config) ValidateCheckpointConfig() error {
	return c.validateCheckpoint()
}

func (c *Config) validateCheckpoint() error {
	switch c.Checkpoint.Backend {
	case CheckpointBackendFile:
		if c.Checkpoint.Directory == "" {
			return fmt.Errorf("checkpoint directory is required")
		}
	case CheckpointBackendPostgres:
		return c.validateDatabase()
	default:
		return fmt.Errorf("unknown checkpoint backend: %q", c.Checkpoint.Backend)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
