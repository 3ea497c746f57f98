package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/quota-harvester/internal/bootstrap"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/config"
	"github.com/cuongbtq/quota-harvester/shared/logger"
	"github.com/cuongbtq/quota-harvester/shared/postgresql"
)

const configPathEnv = "HARVESTER_CONFIG_PATH"

// app carries what the subcommands share. Connections are opened on first
// use and released by close.
type app struct {
	configPath string

	cfg       *config.Config
	logger    *logger.Logger
	db        *postgresql.Client
	resources bootstrap.Resources
}

func newRootCmd(a *app) *cobra.Command {
	defaultConfigPath := os.Getenv(configPathEnv)
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/harvester/config.yaml"
	}

	root := &cobra.Command{
		Use:          "harvester",
		Short:        "Backfill match data from a rate limited API, round by round, until nothing is missing",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		runCmd(a),
		stopCmd(a),
		statusCmd(a),
		routesCmd(a),
		migrateCmd(a),
	)
	return root
}

func (a *app) load() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = appLogger
	a.resources.Add(appLogger.Close)

	return nil
}

// database connects on first use.
func (a *app) database(ctx context.Context) (*postgresql.Client, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := bootstrap.InitPostgreSQL(ctx, &a.cfg.Database, a.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.resources.Add(db.Close)
	return db, nil
}

func (a *app) checkpointStore(ctx context.Context) (checkpoint.Store, error) {
	if err := a.cfg.ValidateCheckpointConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return bootstrap.OpenCheckpointStore(ctx, a.cfg, a.database, a.logger.Logger)
}

func (a *app) close() error {
	if a.logger != nil {
		a.logger.Debug("Releasing resources", slog.String("config", a.configPath))
	}
	return a.resources.Close()
}
