// Package bootstrap turns configuration sections into the clients both
// binaries share: logger, database, broker and checkpoint store.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/config"
	"github.com/cuongbtq/quota-harvester/shared/logger"
	"github.com/cuongbtq/quota-harvester/shared/postgresql"
	"github.com/cuongbtq/quota-harvester/shared/rabbitmq"
)

// LoggerConfig maps the logging section onto the logger package.
func LoggerConfig(cfg *config.LoggingConfig) *logger.Config {
	return &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(LoggerConfig(cfg))
}

// PostgresConfig maps the database section onto the postgresql package.
func PostgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
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
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, PostgresConfig(cfg), logger)
}

// RabbitMQConfig maps the rabbitmq section onto the rabbitmq package. Only a
// consumer declares and binds the queue.
func RabbitMQConfig(cfg *config.RabbitMQConfig, consume bool) *rabbitmq.Config {
	rc := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}
	if rc.ExchangeType == "" {
		rc.ExchangeType = "topic"
	}
	if consume {
		rc.QueueName = cfg.Queue.Name
		rc.QueueDurable = cfg.Queue.Durable
		rc.QueueAutoDelete = cfg.Queue.AutoDelete
		rc.QueueExclusive = cfg.Queue.Exclusive
	}
	return rc
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, consume bool, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(ctx, RabbitMQConfig(cfg, consume), logger)
}

// Resources owns the connections opened for a command and closes them in
// reverse order.
type Resources struct {
	closers []func() error
}

// Add registers a cleanup.
func (r *Resources) Add(closer func() error) {
	r.closers = append(r.closers, closer)
}

// Close runs every registered cleanup and returns the first error.
func (r *Resources) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// OpenCheckpointStore builds the configured checkpoint store. dial is only
// called for the postgres backend.
func OpenCheckpointStore(
	ctx context.Context,
	cfg *config.Config,
	dial func(ctx context.Context) (*postgresql.Client, error),
	logger *slog.Logger,
) (checkpoint.Store, error) {
	opts := []checkpoint.Option{checkpoint.WithLogger(logger)}

	switch cfg.Checkpoint.Backend {
	case config.CheckpointBackendFile:
		store, err := checkpoint.NewFileStore(cfg.Checkpoint.Directory, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint directory: %w", err)
		}
		return store, nil
	case config.CheckpointBackendPostgres:
		client, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewPostgresStore(client.DB(), opts...), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %q", cfg.Checkpoint.Backend)
	}
}
