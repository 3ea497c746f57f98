package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/quota-harvester/internal/api/domain"
	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

type jobStatus struct {
	checkpoint.Progress
	Status        string `json:"status"`
	StopRequested bool   `json:"stop_requested"`
}

func statusCmd(a *app) *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show the progress of one job, or list every job with a progress record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.checkpointStore(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				p, ok := store.ReadProgress(ctx, args[0])
				if !ok {
					return fmt.Errorf("%w: %s", domain.ErrJobNotFound, args[0])
				}
				stop := store.IsStopRequested(ctx, p.JobID)
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobStatus{
					Progress:      *p,
					Status:        domain.JobStatus(*p, stop, now, staleAfter),
					StopRequested: stop,
				})
			}

			records := store.ListProgress(ctx)
			if len(records) == 0 {
				fmt.Fprintln(out, "no jobs in progress")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS\tPHASE\tPID\tSTARTED\tLAST UPDATE")
			for _, p := range records {
				stop := store.IsStopRequested(ctx, p.JobID)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s ago\n",
					p.JobID,
					domain.JobStatus(p, stop, now, staleAfter),
					p.Phase,
					p.PID,
					p.StartedAt.Format(time.RFC3339),
					now.Sub(p.LastUpdatedAt).Round(time.Second),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", domain.DefaultStaleAfter, "Report jobs not updated for this long as STALE")
	return cmd
}
