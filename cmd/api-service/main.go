package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/quota-harvester/internal/api/handler"
	"github.com/cuongbtq/quota-harvester/internal/api/router"
	"github.com/cuongbtq/quota-harvester/internal/apistats"
	"github.com/cuongbtq/quota-harvester/internal/bootstrap"
	"github.com/cuongbtq/quota-harvester/internal/config"
	"github.com/cuongbtq/quota-harvester/internal/events"
	"github.com/cuongbtq/quota-harvester/shared/postgresql"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	var resources bootstrap.Resources
	defer resources.Close()
	resources.Add(appLogger.Close)

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.HealthCheck{}

	var dbClient *postgresql.Client
	dial := func(ctx context.Context) (*postgresql.Client, error) {
		if dbClient != nil {
			return dbClient, nil
		}
		client, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		dbClient = client
		resources.Add(client.Close)
		checks["postgres"] = client.HealthCheck
		return client, nil
	}

	store, err := bootstrap.OpenCheckpointStore(ctx, cfg, dial, appLogger.Logger)
	if err != nil {
		return err
	}

	counter := apistats.New()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Events.Enabled {
		broker, err := bootstrap.InitRabbitMQ(ctx, &cfg.RabbitMQ, true, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		resources.Add(broker.Close)
		checks["rabbitmq"] = func(context.Context) error {
			if !broker.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}

		deliveries, err := broker.Consume(cfg.App.Name + "-api-stats")
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}
		consumer := events.NewConsumer(counter, appLogger.Logger)
		g.Go(func() error { return consumer.Run(gctx, deliveries) })
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(&handler.Dependencies{
		Logger: appLogger.Logger,
		Store:  store,
		Stats:  counter,
		Routes: cfg.RateLimit.Table(),
		Checks: checks,
	}, router.Options{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
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
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("API service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
