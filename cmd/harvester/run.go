package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/quota-harvester/internal/apiclient"
	"github.com/cuongbtq/quota-harvester/internal/apistats"
	"github.com/cuongbtq/quota-harvester/internal/backfill"
	"github.com/cuongbtq/quota-harvester/internal/bootstrap"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
	"github.com/cuongbtq/quota-harvester/internal/events"
	"github.com/cuongbtq/quota-harvester/internal/orchestrator"
	"github.com/cuongbtq/quota-harvester/internal/ratelimit"
	"github.com/cuongbtq/quota-harvester/internal/retry"
)

func runCmd(a *app) *cobra.Command {
	var (
		jobID     string
		rankLimit int
		roleLimit int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the backfill job until no rank or role is missing, or a stop is requested",
		Long: "Runs bounded rounds of rank and role backfill, refreshing match ranks after each round. " +
			"The first SIGINT/SIGTERM requests a stop at the next safe point; a second one aborts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("job-id") {
				a.cfg.Backfill.JobID = jobID
			}
			if cmd.Flags().Changed("rank-limit") {
				a.cfg.Backfill.Rank.Limit = rankLimit
			}
			if cmd.Flags().Changed("role-limit") {
				a.cfg.Backfill.Role.Limit = roleLimit
			}
			return a.runBackfill(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "Job identity used for progress and stop markers (default from config)")
	cmd.Flags().IntVar(&rankLimit, "rank-limit", 0, "Players to rank per round (0 uses the configured default)")
	cmd.Flags().IntVar(&roleLimit, "role-limit", 0, "Matches to fill roles for per round (0 uses the configured default)")
	return cmd
}

func (a *app) runBackfill(parent context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateHarvesterConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	jobID := cfg.Backfill.JobID
	runID := ulid.Make().String()
	logger := a.logger.ForRun(jobID, runID).Logger

	logger.Info("Starting harvester",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	db, err := a.database(ctx)
	if err != nil {
		return err
	}

	store, err := a.checkpointStore(ctx)
	if err != nil {
		return err
	}

	counter := apistats.New()
	limiterOpts := []ratelimit.Option{
		ratelimit.WithMinSpacing(cfg.RateLimit.MinSpacing),
		ratelimit.WithRecorder(counter),
		ratelimit.WithLogger(logger),
	}
	clientOpts := []apiclient.Option{
		apiclient.WithThrottleRecorder(counter),
		apiclient.WithLogger(logger),
	}

	// Request events run on their own context so buffered events are still
	// flushed after the job is cancelled.
	publisherCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	var background errgroup.Group
	var publisher *events.Publisher

	if cfg.Events.Enabled {
		broker, err := bootstrap.InitRabbitMQ(ctx, &cfg.RabbitMQ, false, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		a.resources.Add(broker.Close)

		publisher = events.NewPublisher(broker, runID, cfg.Events.BufferSize, logger)
		limiterOpts = append(limiterOpts, ratelimit.WithRecorder(publisher))
		clientOpts = append(clientOpts, apiclient.WithThrottleRecorder(publisher))
		background.Go(func() error { return publisher.Run(publisherCtx) })
	}

	limiter := ratelimit.New(cfg.RateLimit.Table(), limiterOpts...)
	executor := retry.NewExecutor(cfg.Retry, retry.WithLogger(logger))
	client, err := apiclient.New(cfg.API, limiter, executor, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}

	platforms := make([]string, 0, len(cfg.API.PlatformURLs))
	for p := range cfg.API.PlatformURLs {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	source := backfill.NewSource(
		backfill.NewStorage(db.DB(), logger),
		client,
		platforms,
		cfg.Backfill.DefaultPlatform,
		logger,
	)

	orch, err := orchestrator.New(orchestrator.Config{
		JobID: jobID,
		Kinds: []orchestrator.Kind{
			{
				Name:         backfill.KindRank,
				Limit:        cfg.Backfill.Rank.Limit,
				DefaultLimit: cfg.Backfill.Rank.DefaultLimit,
				MaxLimit:     cfg.Backfill.Rank.MaxLimit,
			},
			{
				Name:         backfill.KindRole,
				Limit:        cfg.Backfill.Role.Limit,
				DefaultLimit: cfg.Backfill.Role.DefaultLimit,
				MaxLimit:     cfg.Backfill.Role.MaxLimit,
			},
		},
		Store:  store,
		Logger: logger,
		OnTransition: func(t orchestrator.Transition) {
			logger.Debug("State transition",
				slog.String("from", t.From.String()),
				slog.String("to", t.To.String()),
				slog.Int("round", t.Round),
			)
		},
	}, source)
	if err != nil {
		return err
	}

	stopSignals := handleSignals(ctx, cancel, store, jobID, logger)
	defer stopSignals()

	summary, runErr := orch.Run(ctx)

	stopPublisher()
	_ = background.Wait()

	logSummary(logger, summary, counter.Snapshot(), publisher)

	if runErr != nil {
		logger.Error("Harvester failed",
			slog.String("state", summary.State.String()),
			slog.Int("rounds", summary.Rounds),
			slog.Any("error", runErr),
		)
		return fmt.Errorf("backfill job %s: %w", jobID, runErr)
	}
	return nil
}

// handleSignals turns the first SIGINT/SIGTERM into a stop request and the
// second into cancellation of ctx. The returned func stops listening.
func handleSignals(ctx context.Context, cancel context.CancelFunc, store checkpoint.Store, jobID string, logger *slog.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		stopRequested := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if stopRequested {
					logger.Warn("Second signal received, aborting",
						slog.String("signal", sig.String()),
					)
					cancel()
					return
				}
				stopRequested = true
				logger.Info("Received signal, stopping after the current unit of work",
					slog.String("signal", sig.String()),
				)
				if err := store.RequestStop(context.WithoutCancel(ctx), jobID); err != nil {
					logger.Error("Failed to request stop, aborting",
						slog.Any("error", err),
					)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func logSummary(logger *slog.Logger, summary orchestrator.Summary, stats apistats.Snapshot, publisher *events.Publisher) {
	attrs := []any{
		slog.String("state", summary.State.String()),
		slog.Int("rounds", summary.Rounds),
		slog.Int("refresh_updated", summary.RefreshUpdated),
		slog.Int("requests_last_hour", stats.RequestsLastHour),
		slog.Int64("throttled", stats.ThrottledTotal),
	}
	kinds := make([]string, 0, len(summary.Totals))
	for kind := range summary.Totals {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		t := summary.Totals[kind]
		attrs = append(attrs, slog.Group(kind,
			slog.Int("updated", t.Updated),
			slog.Int("errors", t.Errors),
		))
	}
	if publisher != nil {
		attrs = append(attrs, slog.Int64("events_dropped", publisher.Dropped()))
	}

	switch summary.State {
	case orchestrator.StateDone:
		logger.Info("Backfill complete", attrs...)
	case orchestrator.StateCancelled:
		logger.Info("Backfill stopped on request", attrs...)
	default:
		logger.Warn("Backfill ended early", attrs...)
	}
}
