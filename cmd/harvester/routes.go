package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/quota-harvester/internal/ratelimit"
)

func routesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the quota table the limiter enforces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := a.cfg.RateLimit.Table()
			if err := table.Validate(); err != nil {
				return fmt.Errorf("invalid rate_limit: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tWINDOWS")
			for _, name := range table.RouteNames() {
				windows, _ := table.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\n", name, ratelimit.FormatBucket(windows))
			}
			fmt.Fprintf(w, "%s\t%s\n", "(default)", ratelimit.FormatBucket(table.Default))
			fmt.Fprintf(w, "%s\t%s\n", "(min spacing)", a.cfg.RateLimit.MinSpacing)
			return w.Flush()
		},
	}
}
