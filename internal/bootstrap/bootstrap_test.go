package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/config"
	"github.com/cuongbtq/quota-harvester/shared/postgresql"
)

func TestRabbitMQConfig(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		Host:       "localhost",
		Port:       5672,
		Exchange:   config.ExchangeConfig{Name: "harvest.events"},
		Queue:      config.QueueConfig{Name: "harvest.api-stats", Durable: true},
		RoutingKey: "api.#",
		Publish:    config.PublishConfig{RetryAttempts: 5, RetryInterval: time.Second, BackoffMultiplier: 3},
		Consumer:   config.ConsumerConfig{PrefetchCount: 50},
	}

	publisher := RabbitMQConfig(cfg, false)
	assert.Empty(t, publisher.QueueName, "publishers do not declare the stats queue")
	assert.Equal(t, "topic", publisher.ExchangeType)
	assert.Equal(t, 5, publisher.PublishRetries)
	assert.Equal(t, 3.0, publisher.PublishBackoffMult)

	consumer := RabbitMQConfig(cfg, true)
	assert.Equal(t, "harvest.api-stats", consumer.QueueName)
	assert.True(t, consumer.QueueDurable)
	assert.Equal(t, 50, consumer.PrefetchCount)
}

func TestLoggerConfig(t *testing.T) {
	lc := LoggerConfig(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr", EnableCaller: true})
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, "stderr", lc.Output)
	assert.True(t, lc.EnableSource)
}

func TestOpenCheckpointStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	noDial := func(context.Context) (*postgresql.Client, error) {
		t.Error("file backend must not dial the database")
		return nil, errors.New("unexpected dial")
	}

	t.Run("file", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "cron")
		cfg := &config.Config{Checkpoint: config.CheckpointConfig{Backend: config.CheckpointBackendFile, Directory: dir}}

		store, err := OpenCheckpointStore(ctx, cfg, noDial, logger)
		require.NoError(t, err)
		require.IsType(t, &checkpoint.FileStore{}, store)
		assert.Equal(t, dir, store.(*checkpoint.FileStore).Directory())
	})

	t.Run("postgres dial failure", func(t *testing.T) {
		cfg := &config.Config{Checkpoint: config.CheckpointConfig{Backend: config.CheckpointBackendPostgres}}
		dialErr := errors.New("connection refused")

		_, err := OpenCheckpointStore(ctx, cfg, func(context.Context) (*postgresql.Client, error) {
			return nil, dialErr
		}, logger)
		assert.ErrorIs(t, err, dialErr)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.Config{Checkpoint: config.CheckpointConfig{Backend: "redis"}}
		_, err := OpenCheckpointStore(ctx, cfg, noDial, logger)
		assert.ErrorContains(t, err, "unknown checkpoint backend")
	})
}

func TestResources_CloseInReverseOrder(t *testing.T) {
	var order []string
	var res Resources
	res.Add(func() error { order = append(order, "db"); return errors.New("db close failed") })
	res.Add(func() error { order = append(order, "broker"); return nil })
	res.Add(func() error { order = append(order, "logger"); return errors.New("log close failed") })

	err := res.Close()
	assert.EqualError(t, err, "log close failed")
	assert.Equal(t, []string{"logger", "broker", "db"}, order)
	assert.NoError(t, res.Close(), "second close is a no-op")
}
