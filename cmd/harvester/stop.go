package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func stopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [job-id]",
		Short: "Ask a running job to stop at its next safe point",
		Long: "Creates the job's stop marker. A running job stops after the current unit of work; " +
			"a job that is not running stops immediately on its next start.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := a.cfg.Backfill.JobID
			if len(args) == 1 {
				jobID = args[0]
			}

			ctx := cmd.Context()
			store, err := a.checkpointStore(ctx)
			if err != nil {
				return err
			}

			if err := store.RequestStop(ctx, jobID); err != nil {
				return fmt.Errorf("failed to request stop: %w", err)
			}

			_, running := store.ReadProgress(ctx, jobID)
			a.logger.Info("Stop requested",
				slog.String("job_id", jobID),
				slog.Bool("running", running),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", jobID)
			return nil
		},
	}
}
